// Package rfid implements the worker that owns the door access controller.
// It consumes operations from the file bus and executes them against a
// UHPPOTE-style controller board over UDP.
package rfid

// QueueName is this worker's queue directory under the shared volume.
const QueueName = "rfid"

// Operations accepted over the bus.
const (
	OpAdd         = "add"
	OpRemove      = "remove"
	OpSetDateTime = "set_datetime"
	OpGetDateTime = "get_datetime"
)

// Op is the bus payload for a controller operation. Member fields ride along
// for logging only; the board deals purely in card numbers.
type Op struct {
	Operation    string `json:"operation"`
	TagID        string `json:"tag_id,omitempty"`
	ConvertedTag string `json:"converted_tag,omitempty"`
	MemberID     int64  `json:"member_id,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

// CardResult is the reply data for add and remove operations.
type CardResult struct {
	Operation    string `json:"operation"`
	TagID        string `json:"tag_id"`
	ConvertedTag string `json:"converted_tag"`
	Status       string `json:"status"`
}

// TimeResult is the reply data for the datetime operations.
type TimeResult struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	CurrentTime string `json:"current_time,omitempty"`
}
