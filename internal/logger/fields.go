package logger

// Standard field keys for structured logging. Use these keys consistently
// across all processes so the change pipeline can be followed end to end in
// aggregated logs (portal insert -> dispatcher -> effector -> worker).
const (
	// Change pipeline
	KeyChangeID   = "change_id"   // member_changes row id
	KeyChangeType = "change_type" // change-type key (status, identity, access, ...)
	KeyMemberID   = "member_id"   // member the change concerns
	KeyService    = "service"     // effector service name from the routing table
	KeyEndpoint   = "endpoint"    // effector endpoint URL
	KeyBatchSize  = "batch_size"  // rows fetched in one pass

	// HTTP
	KeyResponseCode = "response_code" // HTTP status from an effector call
	KeyClientIP     = "client_ip"     // client IP address
	KeyRequestID    = "request_id"    // chi request id
	KeyMethod       = "method"        // HTTP method
	KeyPath         = "path"          // request path

	// Bus
	KeyMsgID     = "msg_id"    // bus message id (filename token)
	KeyOperation = "operation" // bus operation: add, remove, set_datetime, ...
	KeyQueueDir  = "queue_dir" // bus directory involved

	// Hardware / directory
	KeyTag          = "tag"           // RFID tag as printed on the fob
	KeyConvertedTag = "converted_tag" // wiegand card number sent to the board
	KeyUsername     = "username"      // directory account name
	KeyGroup        = "group"         // directory group name

	// Operation metadata
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyAttempt    = "attempt"     // retry attempt number
)
