package config

import (
	"reflect"
	"time"

	"github.com/slbailey/Retrovue-sub002/pkg/bytesize"
	"github.com/slbailey/Retrovue-sub002/pkg/duration"
)

// ByteSize is a size value that accepts human-readable units such as
// "32MB" in config files and environment variables.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := bytesize.Parse(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String returns a human-readable representation.
func (b ByteSize) String() string {
	return bytesize.Format(bytesize.Size(b))
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	byteSizeType = reflect.TypeOf(ByteSize(0))
)

// decodeHook lets string values use the extended duration syntax ("1d")
// and byte size units. It replaces viper's default duration hook.
func decodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	s, ok := data.(string)
	if !ok {
		return data, nil
	}

	switch to {
	case durationType:
		return duration.Parse(s)
	case byteSizeType:
		size, err := bytesize.Parse(s)
		if err != nil {
			return nil, err
		}
		return ByteSize(size), nil
	}
	return data, nil
}
