package contracts

// Command is a command tag carried in the CMD header.
// The set is open: transports and the core never validate it.
type Command string

const (
	CommandRequestDeposit  Command = "REQUEST_DEPOSIT"
	CommandRequestWithdraw Command = "REQUEST_WITHDRAW"
	CommandSendTestMessage Command = "SEND_TEST_MESSAGE"
)

// String implements fmt.Stringer
func (c Command) String() string {
	return string(c)
}

// IsKnown reports whether the tag is one of the built-in commands
func (c Command) IsKnown() bool {
	switch c {
	case CommandRequestDeposit, CommandRequestWithdraw, CommandSendTestMessage:
		return true
	}
	return false
}
