package presence

import "encoding/json"

func jsonMarshal(v interface{}) ([]byte, error)    { return json.Marshal(v) }
func jsonUnmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
