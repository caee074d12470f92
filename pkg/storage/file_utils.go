package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type fileType int

const (
	keyCheckpointFileType fileType = iota
	valueCheckpointFileType
	currentMetadataFileType
	tempMetadataFileType
	backupMetadataFileType
)

const (
	// KeyFileExtension is the extension of the file holding keys and row metadata.
	KeyFileExtension = ".sfk"

	// ValueFileExtension is the extension of the file holding values.
	ValueFileExtension = ".sfv"

	currentMetadataFileName = "current_metadata.mmt"
	tempMetadataFileName    = "temp_metadata.mmt"
	backupMetadataFileName  = "backup_metadata.mmt"
)

// getFileName returns the name of the file stored on the disk for a particular type.
// base is the checkpoint base path for checkpoint files and the store directory for
// metadata files.
func getFileName(base string, ft fileType) string {
	// reset trailing slashes
	for len(base) > 1 && base[len(base)-1] == os.PathSeparator {
		base = base[:len(base)-1]
	}

	switch ft {
	case keyCheckpointFileType:
		return base + KeyFileExtension
	case valueCheckpointFileType:
		return base + ValueFileExtension
	case currentMetadataFileType:
		return filepath.Join(base, currentMetadataFileName)
	case tempMetadataFileType:
		return filepath.Join(base, tempMetadataFileName)
	case backupMetadataFileType:
		return filepath.Join(base, backupMetadataFileName)
	}

	panic(fmt.Sprintf("invalid file type %d", ft))
}

// MetadataFilePaths are the three file names taking part in publishing a metadata table.
type MetadataFilePaths struct {
	Current string
	Temp    string
	Backup  string
}

// GetMetadataFilePaths returns the metadata file names for the store directory dir.
func GetMetadataFilePaths(dir string) MetadataFilePaths {
	return MetadataFilePaths{
		Current: getFileName(dir, currentMetadataFileType),
		Temp:    getFileName(dir, tempMetadataFileType),
		Backup:  getFileName(dir, backupMetadataFileType),
	}
}

// NewCheckpointFileName returns a fresh, unique base name for a checkpoint file pair.
func NewCheckpointFileName() string {
	return uuid.NewString()
}
