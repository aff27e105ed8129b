/*
go-yolov2 implements the YOLOv2 object detection model in Go using
Gorgonia for the network expression graph.  It provides the Darknet-19
backbone with the YOLOv2 detection head, a training loop with the
anchor matched multi-part detection loss, and the postprocessing
pipeline that turns raw network output into bounding boxes (anchor box
decoding, confidence filtering, and non-maximum suppression).

Pretrained backbone weights can be loaded from the binary weight files
distributed with the original darknet project.  Model state during
training is written to versioned checkpoint files which support float16
storage to halve their size on disk.

See example code and usage in the example subdirectory.
*/
package yolov2
