package api

import "fmt"

// JobRecord is one print job. It is built in the producer's own memory and
// copied by value into a queue slot.
type JobRecord struct {
	ClientID int64  `yaml:"client_id" msgpack:"client_id"`
	Filename string `yaml:"filename" msgpack:"filename"`
	FileSize int64  `yaml:"file_size" msgpack:"file_size"`
}

// Validate checks that the record fits a slot whose filename field holds at
// most maxFilename bytes.
func (j JobRecord) Validate(maxFilename int) error {
	if j.Filename == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidRecord)
	}
	if len(j.Filename) > maxFilename {
		return fmt.Errorf("%w: filename is %d bytes, limit %d", ErrInvalidRecord, len(j.Filename), maxFilename)
	}
	if j.FileSize <= 0 {
		return fmt.Errorf("%w: file size %d", ErrInvalidRecord, j.FileSize)
	}
	return nil
}

func (j JobRecord) String() string {
	return fmt.Sprintf("%s (client %d, %d bytes)", j.Filename, j.ClientID, j.FileSize)
}
