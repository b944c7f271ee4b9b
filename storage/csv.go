package storage

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddielth/sensorbridge/calibration"
	"github.com/eddielth/sensorbridge/logger"
)

const (
	timestampColumn = "timestamp"
	validSuffix     = "_valid"
)

// CSVStore appends one record per sample to a single CSV file. The header is
// written only when the file is empty. Complete records are never rewritten:
// on open, a torn last record is cut back to the last full line, and a log
// written for other channels is moved aside.
type CSVStore struct {
	mu       sync.Mutex
	path     string
	channels []string
	fsync    bool

	file   *os.File
	writer *csv.Writer
}

// NewCSVStore opens (or creates) the log at path
func NewCSVStore(path string, channels []string, fsync bool) (*CSVStore, error) {
	if path == "" {
		return nil, errors.New("csv store path is empty")
	}
	if len(channels) == 0 {
		return nil, errors.New("csv store needs at least one channel")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s failed: %w", dir, err)
		}
	}

	s := &CSVStore{
		path:     path,
		channels: append([]string(nil), channels...),
		fsync:    fsync,
	}
	if err := s.open(); err != nil {
		return nil, err
	}

	logger.Info("Init csv store: %s", path)
	return s, nil
}

// Header returns the column names for channels
func Header(channels []string) []string {
	header := make([]string, 0, 1+2*len(channels))
	header = append(header, timestampColumn)
	for _, c := range channels {
		header = append(header, c, c+validSuffix)
	}
	return header
}

func (s *CSVStore) open() error {
	if err := s.prepare(); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open csv store %s failed: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat csv store %s failed: %w", s.path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		w.Write(Header(s.channels))
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return fmt.Errorf("write csv header failed: %w", err)
		}
	}

	s.file = f
	s.writer = w
	return nil
}

// prepare readies an existing log for appending
func (s *CSVStore) prepare() error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open csv store %s failed: %w", s.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat csv store %s failed: %w", s.path, err)
	}
	if info.Size() == 0 {
		return f.Close()
	}

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return fmt.Errorf("read csv header of %s failed: %w", s.path, err)
	}
	want := strings.Join(Header(s.channels), ",")
	got := strings.TrimRight(line, "\r\n")

	switch {
	case got == want && strings.HasSuffix(line, "\n"):
		err = trimPartialRecord(f, info.Size())
		return errors.Join(err, f.Close())
	case !strings.HasSuffix(line, "\n") && strings.HasPrefix(want, got):
		// the header itself was cut short
		logger.Warn("CSV store %s has an incomplete header, starting it over", s.path)
		err = f.Truncate(0)
		return errors.Join(err, f.Close())
	}

	if err := f.Close(); err != nil {
		return err
	}
	ext := filepath.Ext(s.path)
	aside := strings.TrimSuffix(s.path, ext) + "." + time.Now().UTC().Format("20060102T150405.000000000Z") + ext
	if err := os.Rename(s.path, aside); err != nil {
		return fmt.Errorf("move aside csv store %s failed: %w", s.path, err)
	}
	logger.Warn("CSV store %s was written for columns %q, not %q; moved it to %s", s.path, got, want, aside)
	return nil
}

// trimPartialRecord cuts f back to just after its last newline
func trimPartialRecord(f *os.File, size int64) error {
	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		n := int64(len(buf))
		if n > end {
			n = end
		}
		if _, err := f.ReadAt(buf[:n], end-n); err != nil {
			return fmt.Errorf("read csv tail failed: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			cut := end - n + int64(i) + 1
			if cut == size {
				return nil
			}
			logger.Warn("CSV store %s ends with an incomplete record, dropping %d bytes", f.Name(), size-cut)
			return f.Truncate(cut)
		}
		end -= n
	}
	return f.Truncate(0)
}

// Append writes one record
func (s *CSVStore) Append(sample calibration.Sample) error {
	if len(sample.Readings) != len(s.channels) {
		return fmt.Errorf("sample %d has %d readings, csv store has %d channels", sample.Seq, len(sample.Readings), len(s.channels))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.open(); err != nil {
			return err
		}
		logger.Info("Reopened csv store %s", s.path)
	}

	s.writer.Write(formatRecord(sample))
	s.writer.Flush()
	err := s.writer.Error()
	if err == nil && s.fsync {
		err = s.file.Sync()
	}
	if err != nil {
		// drop the handle; the next attempt reopens
		s.file.Close()
		s.file = nil
		s.writer = nil
		return fmt.Errorf("write csv record %d failed: %w", sample.Seq, err)
	}
	return nil
}

func formatRecord(sample calibration.Sample) []string {
	record := make([]string, 0, 1+2*len(sample.Readings))
	record = append(record, sample.Timestamp.UTC().Format(time.RFC3339Nano))
	for _, r := range sample.Readings {
		record = append(record,
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			strconv.FormatBool(r.Valid),
		)
	}
	return record
}

// Name implements Backend
func (s *CSVStore) Name() string {
	return "csv"
}

// Close implements Backend
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	s.writer.Flush()
	err := errors.Join(s.writer.Error(), s.file.Close())
	s.file = nil
	s.writer = nil
	if err != nil {
		return fmt.Errorf("close csv store %s failed: %w", s.path, err)
	}
	return nil
}

// Record is one row read back from a CSV log
type Record struct {
	Timestamp time.Time
	Values    []float64
	Valid     []bool
}

// ReadCSV parses a log written by CSVStore and returns its channel names
// and records in file order
func ReadCSV(r io.Reader) ([]string, []Record, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header failed: %w", err)
	}
	if len(header) < 3 || len(header)%2 != 1 || header[0] != timestampColumn {
		return nil, nil, fmt.Errorf("unexpected csv header %q", header)
	}

	channels := make([]string, 0, len(header)/2)
	for i := 1; i < len(header); i += 2 {
		if header[i+1] != header[i]+validSuffix {
			return nil, nil, fmt.Errorf("unexpected csv header column %q after %q", header[i+1], header[i])
		}
		channels = append(channels, header[i])
	}

	var records []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return channels, records, nil
		}
		if err != nil {
			return channels, records, fmt.Errorf("read csv record %d failed: %w", len(records)+1, err)
		}

		rec, err := parseRecord(row, len(channels))
		if err != nil {
			return channels, records, fmt.Errorf("parse csv record %d failed: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
}

func parseRecord(row []string, channels int) (Record, error) {
	ts, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Timestamp: ts,
		Values:    make([]float64, channels),
		Valid:     make([]bool, channels),
	}
	for i := 0; i < channels; i++ {
		if rec.Values[i], err = strconv.ParseFloat(row[1+2*i], 64); err != nil {
			return Record{}, err
		}
		if rec.Valid[i], err = strconv.ParseBool(row[2+2*i]); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}
