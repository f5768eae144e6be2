package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"strings"
)

// CanonicalizeJSON returns a RFC 8785-compatible canonical form for a
// restricted JSON subset: object keys sorted, no insignificant whitespace,
// integer numbers only. Two byte-different but semantically identical
// documents canonicalize to the same bytes, which is what makes the policy
// hash stable under key reordering.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeJSONAllowFloat is the float-tolerant variant used for policy
// documents, whose coverage thresholds may legitimately be decimals.
func CanonicalizeJSONAllowFloat(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}, allowFloat bool) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			if !allowFloat {
				return errors.New("float numbers not supported in canonical form")
			}
			buf.WriteString(s)
			return nil
		}
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); !ok {
			return errors.New("invalid number")
		}
		buf.WriteString(i.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv, allowFloat); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k], allowFloat); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}
