package eventbridge

import (
	"encoding/json"
	"mime"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Content types understood by the bridge.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// Codec encodes and decodes bridge payloads for one content type.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) ContentType() string                { return ContentTypeJSON }

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) ContentType() string { return ContentTypeMsgpack }

// CodecFor picks the codec for a Content-Type or Accept header value.
// Anything that is not msgpack is treated as JSON.
func CodecFor(header string) Codec {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		mediaType = header
	}
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case ContentTypeMsgpack, "application/x-msgpack", "application/vnd.msgpack":
		return msgpackCodec{}
	default:
		return jsonCodec{}
	}
}
