package group

type Group uint8

const (
	GroupInvalid         Group = 0
	GroupServerKeepAlive Group = 1
	GroupClientKeepAlive Group = 2
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupServerKeepAlive:
		return "Server Keep Alive"
	case GroupClientKeepAlive:
		return "Client Keep Alive"
	default:
		return "Unknown Group"
	}
}
