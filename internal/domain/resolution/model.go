package resolution

import (
	"maps"
	"slices"
	"time"

	"github.com/rpggio/accord/internal/domain/merge"
)

// Status is a resolution session's position in its workflow.
type Status string

const (
	StatusCreated          Status = "created"
	StatusInProgress       Status = "in_progress"
	StatusVoting           Status = "voting"
	StatusManualResolution Status = "manual_resolution"
	StatusReview           Status = "review"
	StatusFinalization     Status = "finalization"
	StatusCompleted        Status = "completed"
	StatusEscalated        Status = "escalated"
	StatusExpired          Status = "expired"
	StatusCancelled        Status = "cancelled"
)

// Step describes what the session is waiting on.
type Step string

const (
	StepSetup        Step = "setup"
	StepAnalysis     Step = "analysis"
	StepVoting       Step = "voting"
	StepManualEdit   Step = "manual_edit"
	StepReview       Step = "review"
	StepFinalization Step = "finalization"
	StepDone         Step = "done"
)

var stepByStatus = map[Status]Step{
	StatusCreated:          StepSetup,
	StatusInProgress:       StepAnalysis,
	StatusVoting:           StepVoting,
	StatusManualResolution: StepManualEdit,
	StatusReview:           StepReview,
	StatusFinalization:     StepFinalization,
}

func stepFor(s Status) Step {
	if step, ok := stepByStatus[s]; ok {
		return step
	}
	return StepDone
}

// Vote is one participant's opinion of a proposal.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
	VoteAbstain Vote = "abstain"
)

// Valid reports whether v is a known vote.
func (v Vote) Valid() bool {
	return v == VoteApprove || v == VoteReject || v == VoteAbstain
}

// Settings tune how a session reaches a decision.
type Settings struct {
	RequireUnanimous        bool          `json:"require_unanimous"`
	VotingTimeout           time.Duration `json:"voting_timeout"`
	AutoResolveAfterTimeout bool          `json:"auto_resolve_after_timeout"`
}

// Proposal is a candidate resolution put forward by a participant.
type Proposal struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Strategy  merge.Strategy  `json:"strategy"`
	Content   string          `json:"content"`
	Rationale string          `json:"rationale,omitempty"`
	Votes     map[string]Vote `json:"votes"`
	CreatedAt time.Time       `json:"created_at"`
}

func (p Proposal) count(v Vote) int {
	n := 0
	for _, vote := range p.Votes {
		if vote == v {
			n++
		}
	}
	return n
}

// Decision is the final outcome of a completed session.
type Decision struct {
	SolutionID    string         `json:"solution_id,omitempty"`
	Strategy      merge.Strategy `json:"strategy"`
	Content       string         `json:"content"`
	DecidedBy     string         `json:"decided_by"`
	Consensus     bool           `json:"consensus"`
	MergeResultID string         `json:"merge_result_id,omitempty"`
	DecidedAt     time.Time      `json:"decided_at"`
}

// Session is a multi-party workflow resolving one conflict.
type Session struct {
	ID                     string     `json:"id"`
	ConflictID             string     `json:"conflict_id"`
	ContentID              string     `json:"content_id"`
	ConflictType           string     `json:"conflict_type"`
	CollaborationSessionID string     `json:"collaboration_session_id,omitempty"`
	ModeratorID            string     `json:"moderator_id"`
	ParticipantIDs         []string   `json:"participant_ids"`
	Status                 Status     `json:"status"`
	CurrentStep            Step       `json:"current_step"`
	Settings               Settings   `json:"settings"`
	ProposedSolutions      []Proposal `json:"proposed_solutions"`
	ReviewSolutionID       string     `json:"review_solution_id,omitempty"`
	VotingDeadline         *time.Time `json:"voting_deadline,omitempty"`
	FinalDecision          *Decision  `json:"final_decision,omitempty"`
	EscalationReason       string     `json:"escalation_reason,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	out := *s
	out.ParticipantIDs = slices.Clone(s.ParticipantIDs)
	out.ProposedSolutions = make([]Proposal, len(s.ProposedSolutions))
	for i, p := range s.ProposedSolutions {
		p.Votes = maps.Clone(p.Votes)
		out.ProposedSolutions[i] = p
	}
	if s.VotingDeadline != nil {
		d := *s.VotingDeadline
		out.VotingDeadline = &d
	}
	if s.FinalDecision != nil {
		d := *s.FinalDecision
		out.FinalDecision = &d
	}
	if s.CompletedAt != nil {
		c := *s.CompletedAt
		out.CompletedAt = &c
	}
	return &out
}

// IsParticipant reports whether userID may propose and vote.
func (s *Session) IsParticipant(userID string) bool {
	return slices.Contains(s.ParticipantIDs, userID)
}

func (s *Session) proposal(id string) *Proposal {
	for i := range s.ProposedSolutions {
		if s.ProposedSolutions[i].ID == id {
			return &s.ProposedSolutions[i]
		}
	}
	return nil
}

// consensus returns the proposal the participants agreed on, if any.
// Unanimity needs every participant's approval. Otherwise a proposal wins
// with a majority of the votes cast on it, once more than half of the
// participants have voted on it.
func (s *Session) consensus() *Proposal {
	for i := range s.ProposedSolutions {
		p := &s.ProposedSolutions[i]
		if s.Settings.RequireUnanimous {
			if len(s.ParticipantIDs) == 0 {
				continue
			}
			all := true
			for _, id := range s.ParticipantIDs {
				if p.Votes[id] != VoteApprove {
					all = false
					break
				}
			}
			if all {
				return p
			}
			continue
		}
		cast := p.count(VoteApprove) + p.count(VoteReject)
		if cast*2 > len(s.ParticipantIDs) && p.count(VoteApprove)*2 > cast {
			return p
		}
	}
	return nil
}

// topProposal ranks by approvals, then fewest rejections, then age.
func (s *Session) topProposal() *Proposal {
	var best *Proposal
	for i := range s.ProposedSolutions {
		p := &s.ProposedSolutions[i]
		if best == nil {
			best = p
			continue
		}
		pa, ba := p.count(VoteApprove), best.count(VoteApprove)
		pr, br := p.count(VoteReject), best.count(VoteReject)
		if pa > ba || (pa == ba && pr < br) {
			best = p
		}
	}
	return best
}
