package codec

import (
	"encoding/base64"
	"fmt"

	"github.com/danielpatrickdp/model-search/go-controller/internal/worker"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region encode

// encodeSubject renders a model as {"id", "name", "handle"}; the handle is
// base64 since Struct carries no bytes type.
func encodeSubject(s worker.Subject) (*structpb.Value, error) {
	fields := map[string]any{
		"id":   s.ID,
		"name": s.Name,
	}
	if s.Handle != nil {
		fields["handle"] = base64.StdEncoding.EncodeToString(s.Handle)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode subject %d: %w", s.ID, err)
	}
	return structpb.NewStructValue(st), nil
}

func subjectRequest(subjects map[string]worker.Subject) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(subjects))}
	for key, s := range subjects {
		v, err := encodeSubject(s)
		if err != nil {
			return nil, err
		}
		req.Fields[key] = v
	}
	return req, nil
}

// #endregion encode

// #region decode

func decodeSubject(in *structpb.Struct, key string) (worker.Subject, error) {
	v, ok := in.GetFields()[key]
	if !ok || v.GetStructValue() == nil {
		return worker.Subject{}, fmt.Errorf("missing %q", key)
	}
	f := v.GetStructValue().GetFields()
	s := worker.Subject{
		ID:   int(f["id"].GetNumberValue()),
		Name: f["name"].GetStringValue(),
	}
	if h, ok := f["handle"]; ok {
		raw, err := base64.StdEncoding.DecodeString(h.GetStringValue())
		if err != nil {
			return worker.Subject{}, fmt.Errorf("%s handle: %w", key, err)
		}
		s.Handle = raw
	}
	return s, nil
}

func decodeHandle(out *structpb.Struct) (worker.Handle, error) {
	v, ok := out.GetFields()["handle"]
	if !ok {
		return nil, fmt.Errorf("response missing handle")
	}
	raw, err := base64.StdEncoding.DecodeString(v.GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("response handle: %w", err)
	}
	return raw, nil
}

// #endregion decode
