// Package output writes the artefacts of each device visit: the verified
// payload document, the device log, the binary record and a CSV summary row.
package output

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds output configuration.
type Config struct {
	Dir string `yaml:"dir" json:"dir"`
	// Log and Binary toggle the per-visit device log and raw record files.
	Log    bool `yaml:"log" json:"log"`
	Binary bool `yaml:"binary" json:"binary"`
	// Summary enables the visits CSV.
	Summary bool `yaml:"summary" json:"summary"`
	// MaxRows rotates the summary CSV after this many rows.
	MaxRows int `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultDir     = "/var/lib/domcal"
	defaultMaxRows = 10_000
	stampLayout    = "2006-01-02_150405"
)

// Summary is one visit as recorded in the CSV.
type Summary struct {
	Started     time.Time
	Duration    time.Duration
	Device      string
	DOMID       string
	Status      string
	Retransmits int
	DeviceCRC   uint32
	Temperature float32
	Version     string
	PayloadPath string
	ArchiveID   string
	Err         error
}

var csvHeader = []string{
	"started", "duration_s", "device", "domid", "status", "retransmits",
	"device_crc", "temperature_k", "version", "payload", "archive_id", "error",
}

// Writer stores visit artefacts under one directory. It is safe for use by
// several visit workers.
type Writer struct {
	mu  sync.Mutex
	cfg Config

	file   *os.File
	writer *csv.Writer
	rows   int
}

// New creates a Writer.
func New(cfg Config) *Writer {
	if cfg.Dir == "" {
		cfg.Dir = defaultDir
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Writer{cfg: cfg}
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.cfg.Dir }

// Stem turns a device label such as "domhub1:5001" into a file-name stem.
func Stem(device string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", " ", "_")
	return strings.Trim(r.Replace(device), "_.")
}

// SavePayload writes the verified payload as <name>.xml and returns its path.
func (w *Writer) SavePayload(name, payload string) (string, error) {
	return w.save(Stem(name)+".xml", []byte(payload))
}

// SaveLog writes the device log of one visit, if enabled. An empty path
// means nothing was written.
func (w *Writer) SaveLog(device string, started time.Time, text string) (string, error) {
	if !w.cfg.Log {
		return "", nil
	}
	name := fmt.Sprintf("%s_%s.log", Stem(device), started.Format(stampLayout))
	return w.save(name, []byte(text))
}

// SaveBinary writes the raw record read back from the device, if enabled.
func (w *Writer) SaveBinary(domID string, raw []byte) (string, error) {
	if !w.cfg.Binary {
		return "", nil
	}
	return w.save(Stem(domID)+".bin", raw)
}

func (w *Writer) save(name string, data []byte) (string, error) {
	if err := os.MkdirAll(w.cfg.Dir, 0755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", w.cfg.Dir, err)
	}
	path := filepath.Join(w.cfg.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", path, err)
	}
	log.Printf("[output] wrote %s (%d bytes)", path, len(data))
	return path, nil
}

// Record appends a summary row, rotating the CSV when it is full.
func (w *Writer) Record(s Summary) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.cfg.Summary {
		return
	}
	if w.writer == nil || w.rows >= w.cfg.MaxRows {
		if err := w.rotateFile(time.Now()); err != nil {
			log.Printf("[output] rotate failed: %v", err)
			return
		}
	}
	if err := w.writer.Write(buildRow(s)); err != nil {
		log.Printf("[output] write failed: %v", err)
		return
	}
	w.writer.Flush()
	w.rows++
}

// Close flushes and closes the current summary file.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeFile()
}

func (w *Writer) rotateFile(now time.Time) error {
	w.closeFile()

	if err := os.MkdirAll(w.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.cfg.Dir, err)
	}

	path := filepath.Join(w.cfg.Dir, fmt.Sprintf("visits_%s.csv", now.Format(stampLayout)))
	// Two rotations inside one second would collide.
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(w.cfg.Dir, fmt.Sprintf("visits_%s_%d.csv", now.Format(stampLayout), i))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w.file = f
	w.writer = csv.NewWriter(f)
	w.rows = 0

	if err := w.writer.Write(csvHeader); err != nil {
		return err
	}
	w.writer.Flush()

	log.Printf("[output] opened %s", path)
	return nil
}

func (w *Writer) closeFile() {
	if w.writer != nil {
		w.writer.Flush()
		w.writer = nil
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}

func buildRow(s Summary) []string {
	row := make([]string, len(csvHeader))
	row[0] = s.Started.UTC().Format(time.RFC3339)
	row[1] = strconv.FormatFloat(s.Duration.Seconds(), 'f', 1, 64)
	row[2] = s.Device
	row[3] = s.DOMID
	row[4] = s.Status
	row[5] = strconv.Itoa(s.Retransmits)
	if s.DeviceCRC != 0 {
		row[6] = fmt.Sprintf("0x%08X", s.DeviceCRC)
	}
	if s.DOMID != "" {
		row[7] = fmt.Sprintf("%.2f", s.Temperature)
	}
	row[8] = s.Version
	row[9] = s.PayloadPath
	row[10] = s.ArchiveID
	if s.Err != nil {
		row[11] = s.Err.Error()
	}
	return row
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
