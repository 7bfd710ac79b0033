package api

import (
	"encoding/json"
	"errors"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// encode converts any JSON-object value into a Struct. Going through JSON
// keeps the wire field names equal to the domain types' json tags.
func encode(v any) (*structpb.Struct, error) {
	if s, ok := v.(*structpb.Struct); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// decode converts a Struct into v.
func decode(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("empty message")
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func field(s *structpb.Struct, name string) string {
	v, ok := s.GetFields()[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}
