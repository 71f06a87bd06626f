package faulttolerance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CrashReport is one diagnostic record written when a process goes down hard.
type CrashReport struct {
	Reason    string         `json:"reason"`
	PID       int            `json:"pid"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PersistenceManager buffers crash reports in memory and writes them as JSON
// lines under dataDir so the next start can recover them.
type PersistenceManager struct {
	dataDir string
	logger  logrus.FieldLogger
	buffer  []CrashReport
	mutex   sync.Mutex
	now     func() time.Time
}

func NewPersistenceManager(dataDir string, logger logrus.FieldLogger) (*PersistenceManager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &PersistenceManager{
		dataDir: dataDir,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Record queues a report. It never touches the disk.
func (pm *PersistenceManager) Record(report CrashReport) {
	if report.Timestamp.IsZero() {
		report.Timestamp = pm.now()
	}
	if report.PID == 0 {
		report.PID = os.Getpid()
	}

	pm.mutex.Lock()
	pm.buffer = append(pm.buffer, report)
	pm.mutex.Unlock()
}

// FlushAsync writes buffered reports in the background. The returned channel
// receives the result, or a timeout error once timeout elapses; callers may
// ignore it entirely.
func (pm *PersistenceManager) FlushAsync(timeout time.Duration) <-chan error {
	result := make(chan error, 1)
	done := make(chan error, 1)

	go func() { done <- pm.Flush() }()

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case err := <-done:
			result <- err
		case <-timer.C:
			result <- fmt.Errorf("flush did not finish within %s", timeout)
		}
	}()

	return result
}

// Flush writes buffered reports synchronously. Failed writes are put back.
func (pm *PersistenceManager) Flush() error {
	pm.mutex.Lock()
	if len(pm.buffer) == 0 {
		pm.mutex.Unlock()
		return nil
	}
	reports := pm.buffer
	pm.buffer = nil
	pm.mutex.Unlock()

	if err := pm.writeReports(reports); err != nil {
		pm.logger.Errorf("Failed to flush crash reports to disk: %v", err)

		pm.mutex.Lock()
		pm.buffer = append(reports, pm.buffer...)
		pm.mutex.Unlock()
		return err
	}

	pm.logger.Debugf("Flushed %d crash reports to disk", len(reports))
	return nil
}

func (pm *PersistenceManager) writeReports(reports []CrashReport) error {
	filename := fmt.Sprintf("crash_%d_%d.jsonl", pm.now().UnixNano(), os.Getpid())
	path := filepath.Join(pm.dataDir, filename)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, report := range reports {
		data, err := json.Marshal(report)
		if err != nil {
			continue
		}
		writer.Write(data)
		writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return file.Sync()
}

// RecoverReports reads every report newer than maxAge and removes the files
// it read, so each report is surfaced once.
func (pm *PersistenceManager) RecoverReports(maxAge time.Duration) ([]CrashReport, error) {
	files, err := os.ReadDir(pm.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var all []CrashReport
	cutoffTime := pm.now().Add(-maxAge)

	for _, file := range files {
		if file.IsDir() || !file.Type().IsRegular() || !strings.HasSuffix(file.Name(), ".jsonl") {
			continue
		}

		path := filepath.Join(pm.dataDir, file.Name())
		info, err := file.Info()
		if err != nil {
			continue
		}

		if info.ModTime().After(cutoffTime) {
			reports, err := readReportsFromFile(path)
			if err != nil {
				pm.logger.Warnf("Failed to read crash reports from %s: %v", file.Name(), err)
				continue
			}
			all = append(all, reports...)
		}

		if err := os.Remove(path); err != nil {
			pm.logger.Warnf("Failed to remove crash file %s: %v", file.Name(), err)
		}
	}

	if len(all) > 0 {
		pm.logger.Infof("Recovered %d crash reports from disk", len(all))
	}
	return all, nil
}

func readReportsFromFile(path string) ([]CrashReport, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reports []CrashReport
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var report CrashReport
		if err := json.Unmarshal(line, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}

	return reports, scanner.Err()
}

func (pm *PersistenceManager) GetStats() map[string]any {
	pm.mutex.Lock()
	buffered := len(pm.buffer)
	pm.mutex.Unlock()

	files, _ := os.ReadDir(pm.dataDir)
	fileCount := 0
	for _, file := range files {
		if !file.IsDir() {
			fileCount++
		}
	}

	return map[string]any{
		"buffered":       buffered,
		"file_count":     fileCount,
		"data_directory": pm.dataDir,
	}
}
