package sampler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"fmair/internal/models"
)

// FileSource reads newline-delimited JSON readings from a file or FIFO, the
// usual handoff point for sensor daemons on the device. EOF means "no sample
// ready": the reader keeps its offset and picks up appended lines on the
// next call.
type FileSource struct {
	path   string
	file   *os.File
	reader *bufio.Reader
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Next(ctx context.Context) (*models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if f.file == nil {
		file, err := os.Open(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("open feed: %w", err)
		}
		f.file = file
		f.reader = bufio.NewReader(file)
	}

	line, err := f.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			// Partial line without newline: keep it for the next call by
			// rewinding is not possible on a FIFO, so only complete lines
			// count. Appended data arrives with its newline eventually.
			if line != "" {
				f.reader = bufio.NewReader(io.MultiReader(strings.NewReader(line), f.file))
			}
			return nil, nil
		}
		return nil, fmt.Errorf("read feed: %w", err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	var reading models.Reading
	if err := json.Unmarshal([]byte(line), &reading); err != nil {
		return nil, fmt.Errorf("decode feed line: %w", err)
	}
	if reading.SensorID == "" {
		return nil, fmt.Errorf("feed line missing sensor_id")
	}
	return &reading, nil
}

func (f *FileSource) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}
