package checkpoint

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"hsiclassify/pkg/network"
)

// The binary encoding is protobuf wire format for these messages:
//
//	message Checkpoint {
//	  Architecture architecture = 1;
//	  repeated Parameter parameters = 2;
//	  double best_accuracy = 3;
//	  int64 optimizer_step = 4;
//	  double learning_rate = 5;
//	  Metadata metadata = 6;
//	  repeated Parameter optimizer_state = 7;
//	}
//	message Parameter {
//	  string name = 1;
//	  repeated int64 shape = 2 [packed];
//	  repeated double data = 3 [packed];
//	}
//	message Architecture {
//	  int64 input_bands = 1; int64 num_classes = 2; repeated Block blocks = 3;
//	  string activation = 4; double leaky_slope = 5;
//	  double dropout_before_pool = 6; double dropout_after_pool = 7;
//	  double batch_norm_momentum = 8; double batch_norm_epsilon = 9;
//	}
//	message Block { int64 channels = 1; int64 kernel = 2; bool pool = 3; }
//	message Metadata {
//	  string run_id = 1; int64 epoch = 2; int64 created_unix_nano = 3;
//	  string framework = 4; string version = 5;
//	}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func encodeBinary(c *Checkpoint) []byte {
	var b []byte
	b = appendMessage(b, 1, encodeArchitecture(c.Architecture))
	b = appendTensors(b, 2, c.Parameters)
	b = appendDouble(b, 3, c.BestAccuracy)
	b = appendInt(b, 4, int64(c.OptimizerStep))
	b = appendDouble(b, 5, c.LearningRate)
	b = appendTensors(b, 7, c.OptimizerState)

	var meta []byte
	meta = appendString(meta, 1, c.Metadata.RunID)
	meta = appendInt(meta, 2, int64(c.Metadata.Epoch))
	if !c.Metadata.CreatedAt.IsZero() {
		meta = appendInt(meta, 3, c.Metadata.CreatedAt.UnixNano())
	}
	meta = appendString(meta, 4, c.Metadata.Framework)
	meta = appendString(meta, 5, c.Metadata.Version)
	return appendMessage(b, 6, meta)
}

// appendTensors writes one Parameter message per entry in name order.
func appendTensors(b []byte, num protowire.Number, tensors map[string]network.Tensor) []byte {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b = appendMessage(b, num, encodeParameter(name, tensors[name]))
	}
	return b
}

func encodeParameter(name string, t network.Tensor) []byte {
	var b []byte
	b = appendString(b, 1, name)

	var shape []byte
	for _, d := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = appendMessage(b, 2, shape)

	data := make([]byte, 0, 8*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	return appendMessage(b, 3, data)
}

func encodeArchitecture(a network.Architecture) []byte {
	var b []byte
	b = appendInt(b, 1, int64(a.InputBands))
	b = appendInt(b, 2, int64(a.NumClasses))
	for _, blk := range a.Blocks {
		var m []byte
		m = appendInt(m, 1, int64(blk.Channels))
		m = appendInt(m, 2, int64(blk.Kernel))
		pool := int64(0)
		if blk.Pool {
			pool = 1
		}
		m = appendInt(m, 3, pool)
		b = appendMessage(b, 3, m)
	}
	b = appendString(b, 4, string(a.Activation))
	b = appendDouble(b, 5, a.LeakySlope)
	b = appendDouble(b, 6, a.DropoutBeforePool)
	b = appendDouble(b, 7, a.DropoutAfterPool)
	b = appendDouble(b, 8, a.BatchNormMomentum)
	return appendDouble(b, 9, a.BatchNormEpsilon)
}

// field is a decoded scalar or length-delimited value.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u     uint64
	bytes []byte
}

func (f field) asInt() int        { return int(int64(f.u)) }
func (f field) asDouble() float64 { return math.Float64frombits(f.u) }
func (f field) asString() string  { return string(f.bytes) }

func (f field) want(t protowire.Type) error {
	if f.typ != t {
		return errors.Errorf("field %d has wire type %d, want %d", f.num, f.typ, t)
	}
	return nil
}

// walk calls fn for every field of a message. Groups and 32-bit fields are
// skipped.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeBinary(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{Parameters: make(map[string]network.Tensor)}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return decodeArchitecture(f.bytes, &c.Architecture)
		case 2:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			name, t, err := decodeParameter(f.bytes)
			if err != nil {
				return err
			}
			c.Parameters[name] = t
		case 7:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			name, t, err := decodeParameter(f.bytes)
			if err != nil {
				return err
			}
			if c.OptimizerState == nil {
				c.OptimizerState = make(map[string]network.Tensor)
			}
			c.OptimizerState[name] = t
		case 3:
			c.BestAccuracy = f.asDouble()
			return f.want(protowire.Fixed64Type)
		case 4:
			c.OptimizerStep = f.asInt()
			return f.want(protowire.VarintType)
		case 5:
			c.LearningRate = f.asDouble()
			return f.want(protowire.Fixed64Type)
		case 6:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return decodeMetadata(f.bytes, &c.Metadata)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeParameter(b []byte) (string, network.Tensor, error) {
	var (
		name string
		t    network.Tensor
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			name = f.asString()
			return f.want(protowire.BytesType)
		case 2:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			for rest := f.bytes; len(rest) > 0; {
				v, n := protowire.ConsumeVarint(rest)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Shape = append(t.Shape, int(v))
				rest = rest[n:]
			}
		case 3:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			if len(f.bytes)%8 != 0 {
				return errors.Errorf("parameter %q data is %d bytes, not a multiple of 8", name, len(f.bytes))
			}
			t.Data = make([]float64, 0, len(f.bytes)/8)
			for rest := f.bytes; len(rest) > 0; {
				v, n := protowire.ConsumeFixed64(rest)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float64frombits(v))
				rest = rest[n:]
			}
		}
		return nil
	})
	if err == nil && name == "" {
		err = errors.New("parameter without a name")
	}
	return name, t, err
}

func decodeArchitecture(b []byte, a *network.Architecture) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			a.InputBands = f.asInt()
		case 2:
			a.NumClasses = f.asInt()
		case 3:
			var blk network.Block
			err := walk(f.bytes, func(g field) error {
				switch g.num {
				case 1:
					blk.Channels = g.asInt()
				case 2:
					blk.Kernel = g.asInt()
				case 3:
					blk.Pool = g.u != 0
				}
				return nil
			})
			if err != nil {
				return err
			}
			a.Blocks = append(a.Blocks, blk)
		case 4:
			a.Activation = network.Activation(f.asString())
		case 5:
			a.LeakySlope = f.asDouble()
		case 6:
			a.DropoutBeforePool = f.asDouble()
		case 7:
			a.DropoutAfterPool = f.asDouble()
		case 8:
			a.BatchNormMomentum = f.asDouble()
		case 9:
			a.BatchNormEpsilon = f.asDouble()
		}
		return nil
	})
}

func decodeMetadata(b []byte, m *Metadata) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.RunID = f.asString()
		case 2:
			m.Epoch = f.asInt()
		case 3:
			m.CreatedAt = time.Unix(0, int64(f.u)).UTC()
		case 4:
			m.Framework = f.asString()
		case 5:
			m.Version = f.asString()
		}
		return nil
	})
}
