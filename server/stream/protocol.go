package stream

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/san-kum/polygon-overlay/server/models"
)

var validate = validator.New()

// DecodeFrame parses one text message into a detection frame. Individual
// objects that fail to decode are kept with their DecodeErr set; only a
// message that is not a frame at all is rejected.
func DecodeFrame(data []byte) (*models.RawDetectionFrame, error) {
	var frame models.RawDetectionFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, &ProtocolError{Reason: "invalid json", Size: len(data), Err: err}
	}

	if err := validate.Struct(&frame); err != nil {
		return nil, &ProtocolError{Reason: "invalid frame", Size: len(data), Err: err}
	}

	return &frame, nil
}
