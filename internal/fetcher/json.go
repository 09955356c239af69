package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// EachJSON streams the elements of a JSON array to fn without buffering the
// whole payload. When key is set the array is read from that top-level field
// of an enclosing object; a missing or null field yields no elements.
// Numbers decode as json.Number so amounts keep their exact text.
func EachJSON[T any](ctx context.Context, r io.Reader, key string, fn func(T) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	found, err := seekArray(dec, key)
	if err != nil || !found {
		return err
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "json: context cancelled")
		}
		var item T
		if err := dec.Decode(&item); err != nil {
			return eris.Wrap(err, "json: decode element")
		}
		if err := fn(item); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return eris.Wrap(err, "json: read closing token")
	}
	return nil
}

// seekArray positions dec just inside the target array.
func seekArray(dec *json.Decoder, key string) (bool, error) {
	tok, err := dec.Token()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "json: read opening token")
	}

	if key == "" {
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return false, eris.Errorf("json: expected '[', got %v", tok)
		}
		return true, nil
	}

	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return false, eris.Errorf("json: expected '{', got %v", tok)
	}
	for dec.More() {
		nameTok, err := dec.Token()
		if err != nil {
			return false, eris.Wrap(err, "json: read field name")
		}
		name, _ := nameTok.(string)
		if name != key {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return false, eris.Wrapf(err, "json: skip field %q", name)
			}
			continue
		}

		tok, err := dec.Token()
		if err != nil {
			return false, eris.Wrapf(err, "json: read field %q", key)
		}
		if tok == nil {
			return false, nil
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return false, eris.Errorf("json: field %q is not an array", key)
		}
		return true, nil
	}
	return false, nil
}

// DecodeRecords reads provider records from a JSON export and flattens
// nested objects into dotted keys.
func DecodeRecords(ctx context.Context, r io.Reader, key string) ([]model.RawRecord, error) {
	var out []model.RawRecord
	err := EachJSON(ctx, r, key, func(obj map[string]any) error {
		out = append(out, Flatten(obj))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Flatten turns {"service":{"description":"x"}} into {"service.description":"x"}.
// Arrays are kept as values.
func Flatten(obj map[string]any) model.RawRecord {
	out := make(model.RawRecord, len(obj))
	flattenInto(out, "", obj)
	return out
}

func flattenInto(out model.RawRecord, prefix string, obj map[string]any) {
	for k, v := range obj {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, name, nested)
			continue
		}
		out[name] = v
	}
}
