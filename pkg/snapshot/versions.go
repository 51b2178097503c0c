package snapshot

import (
	"time"

	"github.com/pkg/errors"

	"github.com/strata-data/strata/pkg/date"
)

// Bookkeeping columns of a versioned history table. User payload columns may
// not shadow them.
const (
	ColumnSurrogateKey = "_surrogate_key"
	ColumnValidFrom    = "_valid_from"
	ColumnValidUntil   = "_valid_until"
	ColumnIsCurrent    = "_is_current"
)

var ReservedColumns = []string{ColumnSurrogateKey, ColumnValidFrom, ColumnValidUntil, ColumnIsCurrent}

func IsReservedColumn(name string) bool {
	for _, reserved := range ReservedColumns {
		if name == reserved {
			return true
		}
	}
	return false
}

// VersionsFromExtract converts raw rows read from a history table into
// VersionedRecords, splitting the bookkeeping columns away from the payload.
func VersionsFromExtract(extract *Extract) ([]VersionedRecord, error) {
	versions := make([]VersionedRecord, 0, len(extract.Rows))

	for i, row := range extract.Rows {
		version := VersionedRecord{Payload: make(Record, len(row))}

		sk, ok := row[ColumnSurrogateKey].(string)
		if !ok {
			return nil, errors.Errorf("row %d has no usable %s column", i, ColumnSurrogateKey)
		}
		version.SurrogateKey = sk

		validFrom, err := asTime(row[ColumnValidFrom])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d has an invalid %s", i, ColumnValidFrom)
		}
		if validFrom == nil {
			return nil, errors.Errorf("row %d has a NULL %s", i, ColumnValidFrom)
		}
		version.ValidFrom = *validFrom

		validTo, err := asTime(row[ColumnValidUntil])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d has an invalid %s", i, ColumnValidUntil)
		}
		version.ValidTo = validTo

		version.IsCurrent = asBool(row[ColumnIsCurrent])

		for name, value := range row {
			if !IsReservedColumn(name) {
				version.Payload[name] = value
			}
		}

		versions = append(versions, version)
	}

	return versions, nil
}

func asTime(raw interface{}) (*time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	case string:
		t, err := date.ParseTime(v)
		if err != nil {
			return nil, err
		}
		return &t, nil
	case []byte:
		t, err := date.ParseTime(string(v))
		if err != nil {
			return nil, err
		}
		return &t, nil
	default:
		return nil, errors.Errorf("%v is not a timestamp", raw)
	}
}

func asBool(raw interface{}) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		return v == "true" || v == "t" || v == "1"
	default:
		return false
	}
}
