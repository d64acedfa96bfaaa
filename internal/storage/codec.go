package storage

import (
	"encoding/json"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func currentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// EncodeArchitecture stamps the current versions onto record.
func EncodeArchitecture(record model.ArchitectureRecord) ([]byte, error) {
	record.VersionedRecord = currentVersion()
	return json.Marshal(record)
}

func DecodeArchitecture(data []byte) (model.ArchitectureRecord, error) {
	var record model.ArchitectureRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.ArchitectureRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.ArchitectureRecord{}, err
	}
	return record, nil
}

func EncodeEpochHistory(history []model.EpochMetrics) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeEpochHistory(data []byte) ([]model.EpochMetrics, error) {
	var history []model.EpochMetrics
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return errors.Wrapf(ErrVersionMismatch, "schema=%d codec=%d", v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
