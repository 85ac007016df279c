package models

// Stage is a position in the sales pipeline. The empty stage means the
// match has been created but nothing has been sent yet.
type Stage string

const (
	StageNone             Stage = ""
	StageSentToBuyer      Stage = "Sent to Buyer"
	StageBuyerResponded   Stage = "Buyer Responded"
	StageShowingScheduled Stage = "Showing Scheduled"
	StagePropertyViewed   Stage = "Property Viewed"
	StageOfferMade        Stage = "Offer Made"
	StageUnderContract    Stage = "Under Contract"
	StageClosedDeal       Stage = "Closed Deal"
	StageNotInterested    Stage = "Not Interested"
)

// PipelineStages lists the forward pipeline in order. Not Interested sits
// outside the ordering.
var PipelineStages = []Stage{
	StageSentToBuyer,
	StageBuyerResponded,
	StageShowingScheduled,
	StagePropertyViewed,
	StageOfferMade,
	StageUnderContract,
	StageClosedDeal,
}

// AllStages is every settable stage.
var AllStages = append(append([]Stage{}, PipelineStages...), StageNotInterested)

// IsValid checks if a stage is recognized. The empty stage is not settable.
func (s Stage) IsValid() bool {
	for _, v := range AllStages {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s Stage) IsTerminal() bool {
	return s == StageNotInterested
}

// Index returns the position in the pipeline, -1 for the initial stage and
// len(PipelineStages) for Not Interested.
func (s Stage) Index() int {
	if s == StageNone {
		return -1
	}
	for i, v := range PipelineStages {
		if s == v {
			return i
		}
	}
	return len(PipelineStages)
}

// Next returns the default next stage offered to the user, or StageNone
// when the match is closed or dropped.
func (s Stage) Next() Stage {
	if s.IsTerminal() {
		return StageNone
	}
	i := s.Index()
	if i+1 < len(PipelineStages) {
		return PipelineStages[i+1]
	}
	return StageNone
}

// Label returns a human-readable label for the stage.
func (s Stage) Label() string {
	if s == StageNone {
		return "New"
	}
	return string(s)
}
