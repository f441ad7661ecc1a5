package runcontrol

// Flag is the outcome of one command on one node.
type Flag string

const (
	FlagExecutedSuccessfully      Flag = "EXECUTED_SUCCESSFULLY"
	FlagNotExecutedNotImplemented Flag = "NOT_EXECUTED_NOT_IMPLEMENTED"
	FlagNotExecutedNotInControl   Flag = "NOT_EXECUTED_NOT_IN_CONTROL"
	FlagNotExecutedNotAuthorised  Flag = "NOT_EXECUTED_NOT_AUTHORISED"
	FlagFailed                    Flag = "FAILED"
	FlagDomainExceptionThrown     Flag = "DRUNC_EXCEPTION_THROWN"
	FlagUnhandledExceptionThrown  Flag = "UNHANDLED_EXCEPTION_THROWN"
)

// IsException reports whether the flag marks a caught error.
func (f Flag) IsException() bool {
	return f == FlagDomainExceptionThrown || f == FlagUnhandledExceptionThrown
}

// FSMFlag is the outcome of an FSM command on one node.
type FSMFlag string

const (
	FSMExecutedSuccessfully FSMFlag = "FSM_EXECUTED_SUCCESSFULLY"
	FSMNotExecutedInError   FSMFlag = "FSM_NOT_EXECUTED_IN_ERROR"
	FSMNotExecutedExcluded  FSMFlag = "FSM_NOT_EXECUTED_EXCLUDED"
	FSMInvalidTransition    FSMFlag = "FSM_INVALID_TRANSITION"
	FSMFailed               FSMFlag = "FSM_FAILED"
)

// Token identifies the user issuing a command.
type Token struct {
	Token    string `json:"token"`
	UserName string `json:"user_name"`
}

// Equal compares user name and secret.
func (t Token) Equal(other Token) bool {
	return t.UserName == other.UserName && t.Token == other.Token
}

// IsZero reports whether nobody is represented by the token.
func (t Token) IsZero() bool {
	return t.Token == "" && t.UserName == ""
}

// Response is the single reply shape of every command. Children mirror the
// order of the node's configured children.
type Response struct {
	Name     string     `json:"name"`
	Token    Token      `json:"token"`
	Flag     Flag       `json:"flag"`
	Data     Payload    `json:"data"`
	Children []Response `json:"children,omitempty"`
}

// Payload carries at most one typed body.
type Payload struct {
	PlainText   *PlainText              `json:"plain_text,omitempty"`
	Stacktrace  *Stacktrace             `json:"stacktrace,omitempty"`
	Status      *Status                 `json:"status,omitempty"`
	Description *Description            `json:"description,omitempty"`
	FSMCommands *FSMCommandsDescription `json:"fsm_commands,omitempty"`
	FSMResult   *FSMCommandResponse     `json:"fsm_result,omitempty"`
	Process     *ProcessInstance        `json:"process,omitempty"`
	Processes   *ProcessInstanceList    `json:"processes,omitempty"`
	LogLines    []LogLine               `json:"log_lines,omitempty"`
}

type PlainText struct {
	Text string `json:"text"`
}

type Stacktrace struct {
	Text []string `json:"text"`
}

// Status is the observable state of one node.
type Status struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	SubState string `json:"sub_state"`
	InError  bool   `json:"in_error"`
	Included bool   `json:"included"`
}

type CommandDescription struct {
	Name       string   `json:"name"`
	DataType   []string `json:"data_type"`
	Help       string   `json:"help"`
	ReturnType string   `json:"return_type"`
}

type BroadcastDescription struct {
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
}

type Description struct {
	Type      string                `json:"type"`
	Name      string                `json:"name"`
	Endpoint  string                `json:"endpoint"`
	Info      string                `json:"info"`
	Session   string                `json:"session"`
	Commands  []CommandDescription  `json:"commands"`
	Broadcast *BroadcastDescription `json:"broadcast,omitempty"`
}

// ArgumentDescription is the wire form of a transition argument.
type ArgumentDescription struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Mandatory bool   `json:"mandatory"`
	Default   any    `json:"default,omitempty"`
	Choices   []any  `json:"choices,omitempty"`
	Help      string `json:"help,omitempty"`
}

type FSMCommandDescription struct {
	Name      string                `json:"name"`
	Source    string                `json:"source"`
	Dest      string                `json:"destination"`
	Arguments []ArgumentDescription `json:"arguments"`
	Help      string                `json:"help"`
}

type FSMCommandsDescription struct {
	Type     string                  `json:"type"`
	Name     string                  `json:"name"`
	Session  string                  `json:"session,omitempty"`
	Commands []FSMCommandDescription `json:"commands"`
}

// FSMCommand is a request to execute one transition.
type FSMCommand struct {
	CommandName   string         `json:"command_name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	Data          string         `json:"data,omitempty"`
	ChildrenNodes []string       `json:"children_nodes,omitempty"`
}

type FSMCommandResponse struct {
	Flag        FSMFlag `json:"flag"`
	CommandName string  `json:"command_name"`
	Message     string  `json:"message,omitempty"`
}

// PlainTextResponse builds a response carrying a text body.
func PlainTextResponse(name string, token Token, flag Flag, text string) Response {
	return Response{
		Name:  name,
		Token: token,
		Flag:  flag,
		Data:  Payload{PlainText: &PlainText{Text: text}},
	}
}

// FSMResponse builds a response carrying an FSM outcome.
func FSMResponse(name string, token Token, flag FSMFlag, command, message string, children []Response) Response {
	return Response{
		Name:  name,
		Token: token,
		Flag:  FlagExecutedSuccessfully,
		Data: Payload{FSMResult: &FSMCommandResponse{
			Flag:        flag,
			CommandName: command,
			Message:     message,
		}},
		Children: children,
	}
}

// Text returns the plain text body or an empty string.
func (r Response) Text() string {
	if r.Data.PlainText == nil {
		return ""
	}
	return r.Data.PlainText.Text
}

// FSMFlag returns the FSM outcome or an empty flag when the response does
// not carry one.
func (r Response) FSMFlag() FSMFlag {
	if r.Data.FSMResult == nil {
		return ""
	}
	return r.Data.FSMResult.Flag
}
