package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"

	"gumbelnas/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("checkpoint version mismatch")

func Encode(cp model.Checkpoint) ([]byte, error) {
	cp.VersionedRecord = model.VersionedRecord{
		SchemaVersion: CurrentSchemaVersion,
		CodecVersion:  CurrentCodecVersion,
	}
	return json.Marshal(cp)
}

func Decode(data []byte) (model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, errors.Wrap(err, "decode checkpoint")
	}
	if cp.SchemaVersion != CurrentSchemaVersion || cp.CodecVersion != CurrentCodecVersion {
		return model.Checkpoint{}, errors.Wrapf(ErrVersionMismatch, "schema=%d codec=%d", cp.SchemaVersion, cp.CodecVersion)
	}
	return cp, nil
}

// Save writes cp to path through a temporary file that is synced and renamed
// into place, so readers observe either the previous or the new checkpoint.
// It returns the number of bytes written.
func Save(path string, cp model.Checkpoint) (int, error) {
	data, err := Encode(cp)
	if err != nil {
		return 0, errors.Wrap(err, "encode checkpoint")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, errors.Wrap(err, "create checkpoint dir")
		}
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return 0, errors.Wrap(err, "write checkpoint")
	}
	return len(data), nil
}

func Load(path string) (model.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Checkpoint{}, errors.Wrap(err, "read checkpoint")
	}
	return Decode(data)
}
