package tfrecord

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Feature holds exactly one of the three tf.train.Feature list kinds.
type Feature struct {
	Bytes  [][]byte
	Floats []float32
	Ints   []int64
}

// Example mirrors tf.train.Example: a map of named features.
type Example map[string]Feature

func BytesFeature(values ...[]byte) Feature  { return Feature{Bytes: values} }
func FloatFeature(values ...float32) Feature { return Feature{Floats: values} }
func Int64Feature(values ...int64) Feature   { return Feature{Ints: values} }

// tf.train field numbers.
const (
	exampleFeatures  protowire.Number = 1
	featuresFeature  protowire.Number = 1
	mapKey           protowire.Number = 1
	mapValue         protowire.Number = 2
	featureBytesList protowire.Number = 1
	featureFloatList protowire.Number = 2
	featureInt64List protowire.Number = 3
	listValue        protowire.Number = 1
)

func (f Feature) kinds() int {
	n := 0
	if f.Bytes != nil {
		n++
	}
	if f.Floats != nil {
		n++
	}
	if f.Ints != nil {
		n++
	}
	return n
}

func (f Feature) marshal() []byte {
	var b []byte
	switch {
	case f.Bytes != nil:
		var list []byte
		for _, v := range f.Bytes {
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, v)
		}
		b = protowire.AppendTag(b, featureBytesList, protowire.BytesType)
		b = protowire.AppendBytes(b, list)
	case f.Floats != nil:
		packed := make([]byte, 0, 4*len(f.Floats))
		for _, v := range f.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		var list []byte
		list = protowire.AppendTag(list, listValue, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
		b = protowire.AppendTag(b, featureFloatList, protowire.BytesType)
		b = protowire.AppendBytes(b, list)
	default:
		var packed []byte
		for _, v := range f.Ints {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		var list []byte
		list = protowire.AppendTag(list, listValue, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
		b = protowire.AppendTag(b, featureInt64List, protowire.BytesType)
		b = protowire.AppendBytes(b, list)
	}
	return b
}

// Marshal encodes the example in tf.train.Example wire format. Keys are
// written in sorted order so equal examples encode to equal bytes.
func (ex Example) Marshal() ([]byte, error) {
	keys := make([]string, 0, len(ex))
	for k := range ex {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var features []byte
	for _, k := range keys {
		f := ex[k]
		if f.kinds() > 1 {
			return nil, errors.Errorf("tfrecord: feature %q sets more than one list", k)
		}
		var entry []byte
		entry = protowire.AppendTag(entry, mapKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, mapValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, f.marshal())

		features = protowire.AppendTag(features, featuresFeature, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}

	var out []byte
	out = protowire.AppendTag(out, exampleFeatures, protowire.BytesType)
	out = protowire.AppendBytes(out, features)
	return out, nil
}

// fields walks the top level fields of a message.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "tfrecord: bad tag")
		}
		b = b[n:]

		var value []byte
		var scalar uint64
		switch typ {
		case protowire.BytesType:
			value, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			scalar = uint64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "tfrecord: field %d", num)
		}
		b = b[n:]
		if err := fn(num, typ, value, scalar); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses a serialized tf.train.Example. Numeric lists may be packed
// or not.
func Decode(data []byte) (Example, error) {
	ex := Example{}
	err := fields(data, func(num protowire.Number, typ protowire.Type, features []byte, _ uint64) error {
		if num != exampleFeatures || typ != protowire.BytesType {
			return nil
		}
		return fields(features, func(num protowire.Number, typ protowire.Type, entry []byte, _ uint64) error {
			if num != featuresFeature || typ != protowire.BytesType {
				return nil
			}
			key, feature, err := decodeEntry(entry)
			if err != nil {
				return err
			}
			ex[key] = feature
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func decodeEntry(entry []byte) (string, Feature, error) {
	var key string
	var feature Feature
	err := fields(entry, func(num protowire.Number, typ protowire.Type, value []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case mapKey:
			key = string(value)
		case mapValue:
			f, err := decodeFeature(value)
			if err != nil {
				return err
			}
			feature = f
		}
		return nil
	})
	return key, feature, err
}

func decodeFeature(b []byte) (Feature, error) {
	var f Feature
	err := fields(b, func(kind protowire.Number, typ protowire.Type, list []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch kind {
		case featureBytesList:
			f.Bytes = [][]byte{}
			return fields(list, func(num protowire.Number, typ protowire.Type, value []byte, _ uint64) error {
				if num == listValue && typ == protowire.BytesType {
					f.Bytes = append(f.Bytes, append([]byte(nil), value...))
				}
				return nil
			})
		case featureFloatList:
			f.Floats = []float32{}
			return fields(list, func(num protowire.Number, typ protowire.Type, value []byte, scalar uint64) error {
				if num != listValue {
					return nil
				}
				if typ == protowire.Fixed32Type {
					f.Floats = append(f.Floats, math.Float32frombits(uint32(scalar)))
					return nil
				}
				for len(value) > 0 {
					v, n := protowire.ConsumeFixed32(value)
					if n < 0 {
						return errors.Wrap(protowire.ParseError(n), "tfrecord: packed float")
					}
					f.Floats = append(f.Floats, math.Float32frombits(v))
					value = value[n:]
				}
				return nil
			})
		case featureInt64List:
			f.Ints = []int64{}
			return fields(list, func(num protowire.Number, typ protowire.Type, value []byte, scalar uint64) error {
				if num != listValue {
					return nil
				}
				if typ == protowire.VarintType {
					f.Ints = append(f.Ints, int64(scalar))
					return nil
				}
				for len(value) > 0 {
					v, n := protowire.ConsumeVarint(value)
					if n < 0 {
						return errors.Wrap(protowire.ParseError(n), "tfrecord: packed int64")
					}
					f.Ints = append(f.Ints, int64(v))
					value = value[n:]
				}
				return nil
			})
		}
		return nil
	})
	return f, err
}
