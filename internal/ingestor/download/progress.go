package download

import (
	log "github.com/sirupsen/logrus"
)

var milestones = []int64{25, 50, 75, 100}

// progressWriter logs when the bytes written cross 25, 50, 75 and 100 percent of total.
type progressWriter struct {
	logger  *log.Entry
	total   int64
	written int64
	next    int
}

func newProgressWriter(logger *log.Entry, total int64) *progressWriter {
	return &progressWriter{logger: logger, total: total}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	for w.next < len(milestones) && w.written*100 >= milestones[w.next]*w.total {
		w.logger.Infof("download %d%% complete (%d of %d bytes)", milestones[w.next], w.written, w.total)
		w.next++
	}
	return len(p), nil
}
