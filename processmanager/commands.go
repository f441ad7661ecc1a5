package processmanager

import (
	"context"
	"fmt"
	"time"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/authoriser"
	"github.com/goliatone/go-runcontrol/broadcast"
)

var commandTable = []runcontrol.CommandDescription{
	{Name: runcontrol.CommandDescribe, ReturnType: "Description", Help: "describe the process manager"},
	{Name: runcontrol.CommandBoot, DataType: []string{"BootRequest"}, ReturnType: "ProcessInstance", Help: "start a process"},
	{Name: runcontrol.CommandTerminate, ReturnType: "ProcessInstanceList", Help: "kill every process"},
	{Name: runcontrol.CommandKill, DataType: []string{"ProcessQuery"}, ReturnType: "ProcessInstanceList", Help: "kill the processes matching the query"},
	{Name: runcontrol.CommandRestart, DataType: []string{"ProcessQuery"}, ReturnType: "ProcessInstance", Help: "restart the one process matching the query"},
	{Name: runcontrol.CommandFlush, DataType: []string{"ProcessQuery"}, ReturnType: "ProcessInstanceList", Help: "remove the dead processes matching the query"},
	{Name: runcontrol.CommandLogs, DataType: []string{"LogRequest"}, ReturnType: "LogLine", Help: "last lines of the log of the one process matching the query"},
	{Name: runcontrol.CommandPs, DataType: []string{"ProcessQuery"}, ReturnType: "ProcessInstanceList", Help: "status of the processes matching the query"},
}

func Commands() []runcontrol.CommandDescription {
	return append([]runcontrol.CommandDescription(nil), commandTable...)
}

// run acknowledges, authorises and executes fn, turning errors and panics
// into exception-flagged responses.
func (m *Manager) run(ctx context.Context, command string, action authoriser.Action, token runcontrol.Token, fn func(context.Context) (runcontrol.Response, error)) (resp runcontrol.Response) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp = m.exception(command, token, r, runcontrol.CaptureStack())
		}
		m.metrics.ObserveCommand(command, resp.Flag, time.Since(started))
	}()

	m.sender.Broadcastf(broadcast.Ack, "User '%s' attempting to execute '%s'", token.UserName, command)
	if !m.authoriser.IsAuthorised(token, action, authoriser.SystemProcessManager, command) {
		return runcontrol.PlainTextResponse(m.name, token, runcontrol.FlagNotExecutedNotAuthorised,
			fmt.Sprintf("User '%s' is not authorised to execute '%s'", token.UserName, command))
	}
	resp, err := fn(ctx)
	if err != nil {
		return m.exception(command, token, err, runcontrol.CaptureStack())
	}
	resp.Name = m.name
	resp.Token = token
	resp.Flag = runcontrol.FlagExecutedSuccessfully
	m.sender.Broadcastf(broadcast.CommandExecutionSuccess, "User '%s' successfully executed '%s'", token.UserName, command)
	return resp
}

func (m *Manager) exception(command string, token runcontrol.Token, cause any, stack []byte) runcontrol.Response {
	flag := runcontrol.FlagUnhandledExceptionThrown
	typ := broadcast.UnhandledExceptionRaised
	if err, ok := cause.(error); ok && runcontrol.IsDomainError(err) {
		flag = runcontrol.FlagDomainExceptionThrown
		typ = broadcast.ExceptionRaised
	}
	m.logger.Error("%s failed: %v", command, cause)
	m.sender.Broadcastf(typ, "'%s' failed: %v", command, cause)
	return runcontrol.Response{
		Name:  m.name,
		Token: token,
		Flag:  flag,
		Data:  runcontrol.Payload{Stacktrace: runcontrol.StacktraceFrom(cause, stack)},
	}
}

func processes(values []runcontrol.ProcessInstance) runcontrol.Payload {
	if values == nil {
		values = []runcontrol.ProcessInstance{}
	}
	return runcontrol.Payload{Processes: &runcontrol.ProcessInstanceList{Values: values}}
}

func (m *Manager) Boot(ctx context.Context, req runcontrol.BootRequest, token runcontrol.Token) runcontrol.Response {
	return m.run(ctx, runcontrol.CommandBoot, authoriser.ActionCreate, token, func(ctx context.Context) (runcontrol.Response, error) {
		instance, err := m.boot(ctx, req, m.newUUID())
		if err != nil {
			return runcontrol.Response{}, err
		}
		return runcontrol.Response{Data: runcontrol.Payload{Process: &instance}}, nil
	})
}

func (m *Manager) Kill(ctx context.Context, query runcontrol.ProcessQuery, token runcontrol.Token) runcontrol.Response {
	return m.run(ctx, runcontrol.CommandKill, authoriser.ActionDelete, token, func(ctx context.Context) (runcontrol.Response, error) {
		m.logger.Info("%s killing %v in session %s", m.name, query.Names, m.session)
		ids := m.resolve(query, storeProcesses, false)
		if len(ids) == 0 {
			m.logger.Info("No process matches %+v", query)
			return runcontrol.Response{Data: processes(nil)}, nil
		}
		return runcontrol.Response{Data: processes(m.kill(ctx, ids))}, nil
	})
}

// Restart kills the one process matching query and boots it again with
// the same uuid and boot request.
func (m *Manager) Restart(ctx context.Context, query runcontrol.ProcessQuery, token runcontrol.Token) runcontrol.Response {
	return m.run(ctx, runcontrol.CommandRestart, authoriser.ActionDelete, token, func(ctx context.Context) (runcontrol.Response, error) {
		instance, err := m.restart(ctx, query)
		if err != nil {
			return runcontrol.Response{}, err
		}
		return runcontrol.Response{Data: runcontrol.Payload{Process: &instance}}, nil
	})
}

func (m *Manager) Ps(ctx context.Context, query runcontrol.ProcessQuery, token runcontrol.Token) runcontrol.Response {
	return m.run(ctx, runcontrol.CommandPs, authoriser.ActionRead, token, func(context.Context) (runcontrol.Response, error) {
		return runcontrol.Response{Data: processes(m.ps(query))}, nil
	})
}

func (m *Manager) Flush(ctx context.Context, query runcontrol.ProcessQuery, token runcontrol.Token) runcontrol.Response {
	return m.run(ctx, runcontrol.CommandFlush, authoriser.ActionDelete, token, func(context.Context) (runcontrol.Response, error) {
		return runcontrol.Response{Data: processes(m.flush(query))}, nil
	})
}

// Terminate kills every known process.
func (m *Manager) Terminate(ctx context.Context, token runcontrol.Token) runcontrol.Response {
	return m.run(ctx, runcontrol.CommandTerminate, authoriser.ActionDelete, token, func(ctx context.Context) (runcontrol.Response, error) {
		return runcontrol.Response{Data: processes(m.killAll(ctx))}, nil
	})
}

// Logs reads the whole tail, bounded by HowFar, before returning, then
// replays it as one response per line on a buffered channel that is already
// closed. Rejections and failures arrive as a single response.
func (m *Manager) Logs(ctx context.Context, req runcontrol.LogRequest, token runcontrol.Token) <-chan runcontrol.Response {
	resp := m.run(ctx, runcontrol.CommandLogs, authoriser.ActionRead, token, func(ctx context.Context) (runcontrol.Response, error) {
		lines, err := m.logs(ctx, req)
		if err != nil {
			return runcontrol.Response{}, err
		}
		return runcontrol.Response{Data: runcontrol.Payload{LogLines: lines}}, nil
	})

	lines := resp.Data.LogLines
	out := make(chan runcontrol.Response, max(1, len(lines)))
	defer close(out)
	if len(lines) == 0 {
		out <- resp
		return out
	}
	for _, line := range lines {
		single := resp
		single.Data = runcontrol.Payload{LogLines: []runcontrol.LogLine{line}}
		out <- single
	}
	return out
}

func (m *Manager) Describe(ctx context.Context, token runcontrol.Token) runcontrol.Response {
	return m.run(ctx, runcontrol.CommandDescribe, authoriser.ActionRead, token, func(context.Context) (runcontrol.Response, error) {
		session := m.session
		if session == "" {
			session = "no_session"
		}
		return runcontrol.Response{Data: runcontrol.Payload{Description: &runcontrol.Description{
			Type:      "process_manager",
			Name:      m.name,
			Info:      m.hostInfo(),
			Session:   session,
			Commands:  Commands(),
			Broadcast: m.sender.Describe(),
		}}}, nil
	})
}
