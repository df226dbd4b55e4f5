package domain

// Participant is a remote member of the room as the local client sees it.
// No transport or lifecycle logic here.
type Participant struct {
	ID          PeerID `json:"peerId"`
	DisplayName string `json:"displayName"`
	IsMicOn     bool   `json:"isMicOn"`
	IsCameraOn  bool   `json:"isCameraOn"`
}

// NewParticipant fills the defaults used until the peer announces itself.
func NewParticipant(id PeerID) *Participant {
	return &Participant{ID: id, DisplayName: DefaultDisplayName, IsMicOn: true}
}
