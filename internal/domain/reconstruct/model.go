package reconstruct

import (
	"maps"
	"slices"
	"time"
)

// Event types produced by collaboration clients on session streams. Conflict,
// merge and resolution services mirror their own summaries to the same stream.
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventAnnotationAdded   = "annotation_added"
	EventAnnotationRemoved = "annotation_removed"
	EventSearchPerformed   = "search_performed"
)

// Conflict statuses as seen from a session.
const (
	ConflictOpen      = "open"
	ConflictInReview  = "review"
	ConflictResolving = "resolving"
	ConflictResolved  = "resolved"
	ConflictEscalated = "escalated"
)

// ParticipantJoined is the payload of participant_joined.
type ParticipantJoined struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
}

// ParticipantLeft is the payload of participant_left.
type ParticipantLeft struct {
	UserID string `json:"user_id"`
}

// AnnotationAdded is the payload of annotation_added.
type AnnotationAdded struct {
	AnnotationID string `json:"annotation_id"`
	ContentID    string `json:"content_id"`
	UserID       string `json:"user_id"`
	Text         string `json:"text"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
}

// AnnotationRemoved is the payload of annotation_removed.
type AnnotationRemoved struct {
	AnnotationID string `json:"annotation_id"`
}

// SearchPerformed is the payload of search_performed.
type SearchPerformed struct {
	UserID      string            `json:"user_id"`
	Query       string            `json:"query"`
	Filters     map[string]string `json:"filters,omitempty"`
	ResultCount int               `json:"result_count"`
}

// Participant is a user who joined the session.
type Participant struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name,omitempty"`
	Role        string     `json:"role,omitempty"`
	Active      bool       `json:"active"`
	JoinedAt    time.Time  `json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
}

// Conflict is a detection surfaced in the session and what became of it.
type Conflict struct {
	ConflictID      string    `json:"conflict_id"`
	ContentID       string    `json:"content_id"`
	ConflictType    string    `json:"conflict_type"`
	Severity        string    `json:"severity"`
	Users           []string  `json:"users"`
	Status          string    `json:"status"`
	Strategy        string    `json:"strategy,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	MergedVersionID string    `json:"merged_version_id,omitempty"`
	DetectedAt      time.Time `json:"detected_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Annotation is a live annotation. Removed annotations are dropped.
type Annotation struct {
	AnnotationID string    `json:"annotation_id"`
	ContentID    string    `json:"content_id"`
	UserID       string    `json:"user_id"`
	Text         string    `json:"text"`
	Start        int       `json:"start"`
	End          int       `json:"end"`
	CreatedAt    time.Time `json:"created_at"`
}

// Search is one search a participant ran.
type Search struct {
	UserID      string            `json:"user_id"`
	Query       string            `json:"query"`
	Filters     map[string]string `json:"filters,omitempty"`
	ResultCount int               `json:"result_count"`
	At          time.Time         `json:"at"`
}

// Workflow is a resolution session opened for a conflict in this session.
type Workflow struct {
	ResolutionID string    `json:"resolution_id"`
	ConflictID   string    `json:"conflict_id"`
	ModeratorID  string    `json:"moderator_id"`
	Participants []string  `json:"participants"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TimelineEntry is one folded event.
type TimelineEntry struct {
	Sequence  int64     `json:"sequence"`
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id,omitempty"`
	Summary   string    `json:"summary"`
	At        time.Time `json:"at"`
}

// CollaborationSession is the read model of one collaboration session stream.
// Version is the sequence number of the last folded event.
type CollaborationSession struct {
	SessionID      string          `json:"session_id"`
	Version        int64           `json:"version"`
	AsOf           time.Time       `json:"as_of"`
	Deleted        bool            `json:"deleted,omitempty"`
	Participants   []Participant   `json:"participants"`
	Conflicts      []Conflict      `json:"conflicts"`
	Annotations    []Annotation    `json:"annotations"`
	SearchActivity []Search        `json:"search_activity"`
	Workflows      []Workflow      `json:"workflows"`
	Timeline       []TimelineEntry `json:"timeline"`
}

func newSession(sessionID string) *CollaborationSession {
	return &CollaborationSession{
		SessionID:      sessionID,
		Participants:   []Participant{},
		Conflicts:      []Conflict{},
		Annotations:    []Annotation{},
		SearchActivity: []Search{},
		Workflows:      []Workflow{},
		Timeline:       []TimelineEntry{},
	}
}

// Clone returns a deep copy.
func (s *CollaborationSession) Clone() *CollaborationSession {
	out := *s
	out.Participants = slices.Clone(s.Participants)
	for i, p := range out.Participants {
		if p.LeftAt != nil {
			at := *p.LeftAt
			out.Participants[i].LeftAt = &at
		}
	}
	out.Conflicts = slices.Clone(s.Conflicts)
	for i := range out.Conflicts {
		out.Conflicts[i].Users = slices.Clone(out.Conflicts[i].Users)
	}
	out.Annotations = slices.Clone(s.Annotations)
	out.SearchActivity = slices.Clone(s.SearchActivity)
	for i := range out.SearchActivity {
		out.SearchActivity[i].Filters = maps.Clone(out.SearchActivity[i].Filters)
	}
	out.Workflows = slices.Clone(s.Workflows)
	for i := range out.Workflows {
		out.Workflows[i].Participants = slices.Clone(out.Workflows[i].Participants)
	}
	out.Timeline = slices.Clone(s.Timeline)
	return &out
}

// ActiveParticipants returns the ids of users currently in the session.
func (s *CollaborationSession) ActiveParticipants() []string {
	var ids []string
	for _, p := range s.Participants {
		if p.Active {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

func (s *CollaborationSession) participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

func (s *CollaborationSession) conflict(id string) *Conflict {
	for i := range s.Conflicts {
		if s.Conflicts[i].ConflictID == id {
			return &s.Conflicts[i]
		}
	}
	return nil
}

func (s *CollaborationSession) workflow(id string) *Workflow {
	for i := range s.Workflows {
		if s.Workflows[i].ResolutionID == id {
			return &s.Workflows[i]
		}
	}
	return nil
}
