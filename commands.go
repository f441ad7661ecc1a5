package runcontrol

// Command names understood by controllers and their children.
const (
	CommandDescribe         = "describe"
	CommandStatus           = "status"
	CommandDescribeFSM      = "describe_fsm"
	CommandExecuteFSM       = "execute_fsm_command"
	CommandInclude          = "include"
	CommandExclude          = "exclude"
	CommandTakeControl      = "take_control"
	CommandSurrenderControl = "surrender_control"
	CommandWhoIsInCharge    = "who_is_in_charge"
	CommandBoot             = "boot"
	CommandKill             = "kill"
	CommandRestart          = "restart"
	CommandPs               = "ps"
	CommandFlush            = "flush"
	CommandLogs             = "logs"
	CommandTerminate        = "terminate"
)

