package job

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/printhost/dcs/model"
)

// InfoParser reads the metadata of job files.
type InfoParser interface {
	Parse(path string) (model.FileInfo, error)
	UpdateSimulatedTime(path string, seconds int64) error
}

const (
	simulatedTimeMarker = "; Simulated print time"
	tailSize            = 64
)

var simulatedTimePattern = regexp.MustCompile(`(?i)^; Simulated print time\D+(\d+)`)

// StatParser takes the size and modification time from the file system and
// counts the lines. The simulated time is kept as a trailing comment.
type StatParser struct{}

// Parse implements InfoParser.
func (StatParser) Parse(path string) (model.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.FileInfo{}, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return model.FileInfo{}, err
	}

	if stat.IsDir() {
		return model.FileInfo{}, fmt.Errorf("%s is a directory", path)
	}

	info := model.FileInfo{
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		info.NumLines++

		if m := simulatedTimePattern.FindStringSubmatch(strings.TrimSpace(scanner.Text())); m != nil {
			if seconds, err := strconv.ParseInt(m[1], 10, 64); err == nil && seconds > 0 {
				info.SimulatedTime = &seconds
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return model.FileInfo{}, err
	}

	return info, nil
}

// UpdateSimulatedTime implements InfoParser. A previous marker at the end of
// the file is replaced. The modification time of the file is kept.
func (StatParser) UpdateSimulatedTime(path string, seconds int64) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}

	offset := stat.Size()
	if offset > 0 {
		start := offset - tailSize
		if start < 0 {
			start = 0
		}

		tail := make([]byte, offset-start)
		if _, err := f.ReadAt(tail, start); err != nil && err != io.EOF {
			f.Close()
			return err
		}

		if i := bytes.LastIndex(bytes.ToLower(tail), bytes.ToLower([]byte(simulatedTimeMarker))); i >= 0 {
			offset = start + int64(i)
		} else if tail[len(tail)-1] != '\n' {
			if _, err := f.WriteAt([]byte("\n"), offset); err != nil {
				f.Close()
				return err
			}

			offset++
		}
	}

	line := fmt.Sprintf("%s: %d\n", simulatedTimeMarker, seconds)
	if _, err := f.WriteAt([]byte(line), offset); err != nil {
		f.Close()
		return err
	}

	if err := f.Truncate(offset + int64(len(line))); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Chtimes(path, stat.ModTime(), stat.ModTime())
}
