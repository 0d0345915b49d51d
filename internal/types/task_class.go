// SPDX-License-Identifier: MIT

package types

import (
	"encoding/json"
	"fmt"
)

// TaskClass categorizes a processing job. Each class has its own worker pool,
// queue and timeout.
type TaskClass string

const (
	// ClassTranscode converts a media file into another codec/container.
	ClassTranscode TaskClass = "transcode"

	// ClassThumbnail extracts one or more still images from a video.
	ClassThumbnail TaskClass = "thumbnail"

	// ClassMetadata probes a file for technical metadata.
	ClassMetadata TaskClass = "metadata"

	// ClassGeneric runs an arbitrary file-processing invocation.
	ClassGeneric TaskClass = "generic"
)

// String returns the string representation of the task class.
func (c TaskClass) String() string {
	return string(c)
}

// IsValid checks whether the task class is one of the defined constants.
func (c TaskClass) IsValid() bool {
	switch c {
	case ClassTranscode, ClassThumbnail, ClassMetadata, ClassGeneric:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler for TaskClass.
func (c TaskClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(c))
}

// UnmarshalJSON implements json.Unmarshaler for TaskClass.
func (c *TaskClass) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	class := TaskClass(str)
	if !class.IsValid() {
		return fmt.Errorf("invalid task class: %q", str)
	}

	*c = class
	return nil
}

// ParseTaskClass parses a string into a TaskClass, returning an error if invalid.
func ParseTaskClass(s string) (TaskClass, error) {
	class := TaskClass(s)
	if !class.IsValid() {
		return "", fmt.Errorf("invalid task class: %q (valid: transcode, thumbnail, metadata, generic)", s)
	}
	return class, nil
}

// AllTaskClasses returns all defined task classes.
func AllTaskClasses() []TaskClass {
	return []TaskClass{ClassTranscode, ClassThumbnail, ClassMetadata, ClassGeneric}
}
