package database

import "can-autoconfig/internal/models"

// Writer defines the interface for detection history writers
type Writer interface {
	// Start begins processing and writing records
	Start()

	// Write queues a record for writing
	Write(rec models.DetectionRecord)

	// Close flushes pending records and releases the connection
	Close() error
}

// MultiWriter fans records out to several writers
type MultiWriter []Writer

func (m MultiWriter) Start() {
	for _, w := range m {
		w.Start()
	}
}

func (m MultiWriter) Write(rec models.DetectionRecord) {
	for _, w := range m {
		w.Write(rec)
	}
}

func (m MultiWriter) Close() error {
	var firstErr error
	for _, w := range m {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
