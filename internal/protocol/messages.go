package protocol

const (
	// SubjectOSCPacket carries a raw, already encoded OSC packet.
	SubjectOSCPacket = "synth.osc.packet"
	// SubjectOSCTree carries a JSON argument tree.
	SubjectOSCTree = "synth.osc.tree"
	// SubjectSynthNew carries a SynthRequest.
	SubjectSynthNew = "synth.new"
	// SubjectOSCReply receives raw engine replies.
	SubjectOSCReply = "synth.osc.reply"
	// SubjectStatus answers status requests and carries lifecycle
	// announcements.
	SubjectStatus = "synth.status"
	// SubjectEngineStart and SubjectEngineQuit drive the engine lifecycle.
	SubjectEngineStart = "synth.engine.start"
	SubjectEngineQuit  = "synth.engine.quit"
)

// Ack answers a control request.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// SynthRequest asks the engine to instantiate a synth definition.
type SynthRequest struct {
	Name string `json:"name"`
}
