package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"osm402/pkg/models"
)

// redactRecord replaces personal fields with salted hashes. Repo, numbers,
// stage and outcome stay in the clear; who gets paid and who triggered the
// event do not.
func redactRecord(rec Record, salt []byte) Record {
	if rec.Actor != "" {
		rec.Actor = hashString(rec.Actor, salt)
	}
	if rec.Recipient != "" {
		rec.Recipient = hashString(rec.Recipient, salt)
	}
	rec.Detail = redactDetail(rec.Detail, salt)
	return rec
}

func redactDetail(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	canon, err := models.CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		payload := map[string]any{
			"detail_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	payload := map[string]any{"detail_hash": hashBytes(canon, salt)}
	b, _ := json.Marshal(payload)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
