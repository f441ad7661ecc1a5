package runcontrol

// ProcessStatus is the liveness of a managed process.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "RUNNING"
	ProcessDead    ProcessStatus = "DEAD"
)

type ProcessMetadata struct {
	User     string `json:"user" yaml:"user"`
	Session  string `json:"session" yaml:"session"`
	Name     string `json:"name" yaml:"name"`
	TreeID   string `json:"tree_id" yaml:"tree_id"`
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
}

type ExecAndArgs struct {
	Exec string   `json:"exec" yaml:"exec"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// ProcessDescription is everything needed to launch a process.
type ProcessDescription struct {
	Metadata                  ProcessMetadata   `json:"metadata" yaml:"metadata"`
	ExecutableAndArguments    []ExecAndArgs     `json:"executable_and_arguments" yaml:"executable_and_arguments"`
	Env                       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ProcessExecutionDirectory string            `json:"process_execution_directory,omitempty" yaml:"process_execution_directory,omitempty"`
	ProcessLogsPath           string            `json:"process_logs_path" yaml:"process_logs_path"`
}

type ProcessRestriction struct {
	AllowedHosts []string `json:"allowed_hosts" yaml:"allowed_hosts"`
}

// BootRequest is retained for the lifetime of a process so it can be
// restarted with the same parameters.
type BootRequest struct {
	Description ProcessDescription `json:"process_description" yaml:"process_description"`
	Restriction ProcessRestriction `json:"process_restriction" yaml:"process_restriction"`
}

// ProcessQuery matches processes. Every populated field is OR'd.
type ProcessQuery struct {
	UUIDs   []string `json:"uuids,omitempty"`
	Names   []string `json:"names,omitempty"`
	User    string   `json:"user,omitempty"`
	Session string   `json:"session,omitempty"`
}

type ProcessInstance struct {
	UUID        string             `json:"uuid"`
	Description ProcessDescription `json:"process_description"`
	StatusCode  ProcessStatus      `json:"status_code"`
	ReturnCode  *int               `json:"return_code,omitempty"`
}

type ProcessInstanceList struct {
	Values []ProcessInstance `json:"values"`
}

type LogRequest struct {
	Query  ProcessQuery `json:"query"`
	HowFar int          `json:"how_far,omitempty"`
}

type LogLine struct {
	UUID string `json:"uuid"`
	Line string `json:"line"`
}
