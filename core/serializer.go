package core

import "encoding/json"

// JSONSerializer is the default Serializer: work-item payloads are
// opaque to the queue, so there's no schema-evolution pressure that
// would justify reaching past encoding/json.
type JSONSerializer struct{}

func NewJSONSerializer() JSONSerializer { return JSONSerializer{} }

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
