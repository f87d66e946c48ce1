package bus

import "testing"

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		topic Topic
		key   string
		want  string
	}{
		{TopicEvents, "subj-1", "events.subj-1"},
		{TopicSupervisorTasks, "subj.with.dots", "supervisor_tasks.subj_with_dots"},
		{TopicEvents, "wild*card>", "events.wild_card_"},
		{TopicEvents, "", "events._"},
		{TopicEvents, "has space", "events.has_space"},
	}

	for _, tt := range tests {
		if got := subjectFor(tt.topic, tt.key); got != tt.want {
			t.Errorf("subjectFor(%s, %q) = %q, want %q", tt.topic, tt.key, got, tt.want)
		}
	}
}

func TestPartitionKeyFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"events.subj-1", "subj-1"},
		{"supervisor_tasks.subj_with_dots", "subj_with_dots"},
		{"noseparator", "noseparator"},
	}

	for _, tt := range tests {
		if got := PartitionKeyFromSubject(tt.subject); got != tt.want {
			t.Errorf("PartitionKeyFromSubject(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}

func TestStreamName(t *testing.T) {
	if got := StreamName(TopicCriticalAlerts); got != "CRITICAL_ALERTS" {
		t.Errorf("expected CRITICAL_ALERTS, got %s", got)
	}
}

func TestPartitionWorkerDeterministic(t *testing.T) {
	workers := 4
	keys := []string{"subj-1", "subj-2", "tenant-a", "", "subj-1"}

	for _, key := range keys {
		first := partitionWorker(key, workers)
		if first < 0 || first >= workers {
			t.Errorf("partitionWorker(%q) = %d out of range", key, first)
		}
		for i := 0; i < 10; i++ {
			if got := partitionWorker(key, workers); got != first {
				t.Errorf("partitionWorker(%q) not deterministic: %d vs %d", key, got, first)
			}
		}
	}
}

func TestGroupConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  GroupConfig
		wantErr bool
	}{
		{
			name:    "valid",
			config:  GroupConfig{Name: "g", Topics: []Topic{TopicEvents}},
			wantErr: false,
		},
		{
			name:    "missing name",
			config:  GroupConfig{Topics: []Topic{TopicEvents}},
			wantErr: true,
		},
		{
			name:    "no topics",
			config:  GroupConfig{Name: "g"},
			wantErr: true,
		},
		{
			name:    "bad priority filter",
			config:  GroupConfig{Name: "g", Topics: []Topic{TopicEvents}, Priorities: []Priority{"urgent"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
