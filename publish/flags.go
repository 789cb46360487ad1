package publish

// Output flags. A target receives a message when its mask contains every flag of the message.
const (
	FlagBase        uint32 = 1
	FlagFeet        uint32 = 2
	FlagCoM         uint32 = 4
	FlagContact     uint32 = 8
	FlagGroundTruth uint32 = 0x10
	FlagDebug       uint32 = 0x20

	FlagAll = FlagBase | FlagFeet | FlagCoM | FlagContact | FlagGroundTruth | FlagDebug
)
