package notify

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadChannels reads a JSON array of Channel documents from path and builds
// a Notifier for each enabled one. A missing file is not an error, mirroring
// the optional-document convention used for the Supervisor's channels.yaml.
func LoadChannels(path string) ([]Notifier, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notification channels document: %w", err)
	}

	var docs []Channel
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse notification channels document: %w", err)
	}

	var notifiers []Notifier
	for _, ch := range docs {
		if !ch.Enabled {
			continue
		}
		n, err := BuildFilteredNotifier(ch)
		if err != nil {
			return nil, fmt.Errorf("build notifier %q (%s): %w", ch.Name, ch.Type, err)
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}
