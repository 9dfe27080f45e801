package bacnet

// NetworkPriority is the 2-bit NPDU priority field.
type NetworkPriority uint8

const (
	PriorityNormal            NetworkPriority = 0
	PriorityUrgent            NetworkPriority = 1
	PriorityCriticalEquipment NetworkPriority = 2
	PriorityLifeSafety        NetworkPriority = 3
)

func (p NetworkPriority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	case PriorityCriticalEquipment:
		return "critical-equipment"
	case PriorityLifeSafety:
		return "life-safety"
	default:
		return "invalid"
	}
}

// PCI is the protocol control information attached to every PDU as it moves
// between layers: where it came from, where it is going, and delivery
// metadata. UserData is an opaque slot a layer may use to correlate replies.
type PCI struct {
	Source         Address
	Destination    Address
	ExpectingReply bool
	Priority       NetworkPriority
	UserData       any
}

// PDU is an opaque byte payload plus its PCI. Each layer consumes the framing
// it understands and hands the remainder up or down as a new PDU.
type PDU struct {
	PCI
	Data []byte
}

// NewPDU builds a PDU destined for addr.
func NewPDU(dest Address, data []byte) *PDU {
	return &PDU{PCI: PCI{Destination: dest}, Data: data}
}
