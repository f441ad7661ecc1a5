// Package connectivity talks to the connectivity directory that maps
// application names to their control addresses.
package connectivity

// RunControlDataType is the data type controllers publish their control
// address under.
const RunControlDataType = "RunControlMessage"

// ControlUID is the directory key of a node's control endpoint.
func ControlUID(name string) string {
	return name + "_control"
}

// Connection is one published endpoint.
type Connection struct {
	ConnectionType int    `json:"connection_type"`
	DataType       string `json:"data_type"`
	UID            string `json:"uid"`
	URI            string `json:"uri"`
}

// PublishRequest is the body of POST /publish.
type PublishRequest struct {
	Partition   string       `json:"partition"`
	Connections []Connection `json:"connections"`
}

// ConnectionID identifies a connection to retract.
type ConnectionID struct {
	ConnectionID string `json:"connection_id"`
	DataType     string `json:"data_type"`
}

// RetractRequest is the body of POST /retract.
type RetractRequest struct {
	Partition   string         `json:"partition"`
	Connections []ConnectionID `json:"connections"`
}

// LookupRequest is the body of POST /getconnection/<session>.
type LookupRequest struct {
	DataType string `json:"data_type"`
	UIDRegex string `json:"uid_regex"`
}

// Lookup is one match returned by a lookup.
type Lookup struct {
	UID      string `json:"uid"`
	URI      string `json:"uri"`
	DataType string `json:"data_type"`
}
