package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/roffe/pidscan/pkg/pidscan"
)

// Record is the on-disk form of a result. Files are a plain sequence of
// CBOR encoded records.
type Record struct {
	Session string    `cbor:"1,keyasint"`
	Ecu     uint32    `cbor:"2,keyasint"`
	PID     uint16    `cbor:"3,keyasint"`
	Payload []byte    `cbor:"4,keyasint"`
	Time    time.Time `cbor:"5,keyasint"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// CBORFile appends records to a file in dir.
type CBORFile struct {
	filename string
	file     *os.File
	w        *bufio.Writer
	enc      *cbor.Encoder
}

func NewCBORFile(dir string, ecu uint32) (*CBORFile, error) {
	file, filename, err := createLog(dir, fmt.Sprintf("%X", ecu), "cbor")
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(file)
	return &CBORFile{
		filename: filename,
		file:     file,
		w:        w,
		enc:      encMode.NewEncoder(w),
	}, nil
}

func createLog(dir, ecu, extension string) (*os.File, string, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create logs dir: %w", err)
	}
	filename := filepath.Join(dir, fmt.Sprintf("pidscan-%s-%s.%s", ecu, time.Now().Format("2006-01-02_150405"), extension))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open file: %w", err)
	}
	return file, filename, nil
}

func (c *CBORFile) Name() string {
	return "cbor:" + c.filename
}

func (c *CBORFile) Filename() string {
	return c.filename
}

func (c *CBORFile) Write(r pidscan.Result) error {
	if err := c.enc.Encode(Record{
		Session: r.Session,
		Ecu:     r.Ecu,
		PID:     r.PID,
		Payload: r.Payload,
		Time:    r.Time,
	}); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *CBORFile) Close() error {
	if err := c.w.Flush(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}

// ReadCBORFile decodes every record in filename.
func ReadCBORFile(filename string) ([]Record, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := cbor.NewDecoder(bufio.NewReader(f))
	var out []Record
	for {
		var r Record
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, r)
	}
}
