package flagext

import (
	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a flag parsing sizes with units, such as 64MB or 1GiB.
type ByteSize uint64

// String implements flag.Value
func (bs ByteSize) String() string {
	return datasize.ByteSize(bs).String()
}

// Set implements flag.Value
func (bs *ByteSize) Set(s string) error {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return err
	}
	*bs = ByteSize(v.Bytes())
	return nil
}

// Get implements flag.Getter
func (bs ByteSize) Get() any {
	return uint64(bs)
}

// Val returns the size in bytes.
func (bs ByteSize) Val() uint64 {
	return uint64(bs)
}

// UnmarshalYAML implements yaml.Unmarshaler. Plain integers are read as a
// number of bytes.
func (bs *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n uint64
	if err := value.Decode(&n); err == nil {
		*bs = ByteSize(n)
		return nil
	}
	return bs.Set(value.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (bs ByteSize) MarshalYAML() (any, error) {
	return bs.String(), nil
}
