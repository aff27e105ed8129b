package train

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// MetricsWriter appends scalar loss metrics to a CSV file so external
// tooling can plot training progress
type MetricsWriter struct {
	f *os.File
	w *csv.Writer
}

// NewMetricsWriter opens or creates the metrics file, writing the header
// row only when the file is new
func NewMetricsWriter(file string) (*MetricsWriter, error) {

	info, err := os.Stat(file)
	fresh := err != nil || info.Size() == 0

	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)

	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics file %s", file)
	}

	m := &MetricsWriter{
		f: f,
		w: csv.NewWriter(f),
	}

	if fresh {
		if err := m.w.Write([]string{
			"epoch", "step", "loss_xy", "loss_wh", "loss_conf", "loss_class", "loss",
		}); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "writing metrics header")
		}
	}

	return m, nil
}

// Write appends one row of loss metrics
func (m *MetricsWriter) Write(epoch, step int, lossXY, lossWH, lossConf,
	lossClass, loss float32) error {

	row := []string{
		strconv.Itoa(epoch),
		strconv.Itoa(step),
		formatFloat(lossXY),
		formatFloat(lossWH),
		formatFloat(lossConf),
		formatFloat(lossClass),
		formatFloat(loss),
	}

	if err := m.w.Write(row); err != nil {
		return errors.Wrap(err, "writing metrics row")
	}

	m.w.Flush()

	return errors.Wrap(m.w.Error(), "flushing metrics")
}

// Close flushes and closes the metrics file
func (m *MetricsWriter) Close() error {
	m.w.Flush()

	if err := m.w.Error(); err != nil {
		m.f.Close()
		return errors.Wrap(err, "flushing metrics")
	}

	return m.f.Close()
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', 6, 32)
}
