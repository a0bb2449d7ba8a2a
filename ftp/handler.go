package ftp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telebroad/owftpd/filesystem"
	"github.com/telebroad/owftpd/tools"
)

type handlerFunc func(s *session, arg Arg) error

// commandHandlers maps each verb to its handler. A handler returns an error
// only when the control connection is unusable or the session should end.
var commandHandlers map[Verb]handlerFunc

func init() {
	commandHandlers = map[Verb]handlerFunc{
		USER: (*session).handleUSER,
		PASS: (*session).handlePASS,
		CWD:  (*session).handleCWD,
		CDUP: (*session).handleCDUP,
		QUIT: (*session).handleQUIT,
		PORT: (*session).handlePORT,
		LPRT: (*session).handleLPRT,
		EPRT: (*session).handleEPRT,
		PASV: (*session).handlePASV,
		LPSV: (*session).handleLPSV,
		EPSV: (*session).handleEPSV,
		TYPE: (*session).handleTYPE,
		STRU: (*session).handleSTRU,
		MODE: (*session).handleMODE,
		RETR: (*session).handleRETR,
		STOR: (*session).handleSTOR,
		PWD:  (*session).handlePWD,
		LIST: (*session).handleLIST,
		NLST: (*session).handleNLST,
		SYST: (*session).handleSYST,
		HELP: (*session).handleHELP,
		NOOP: (*session).handleNOOP,
		REST: (*session).handleREST,
		SIZE: (*session).handleSIZE,
		MDTM: (*session).handleMDTM,
	}
}

// helpText is the syntax shown by "HELP <verb>".
var helpText = map[Verb]string{
	USER: "USER <sp> username",
	PASS: "PASS <sp> password",
	CWD:  "CWD <sp> directory-name (wildcards allowed)",
	CDUP: "CDUP (up one directory)",
	QUIT: "QUIT (terminate session)",
	PORT: "PORT <sp> h1,h2,h3,h4,p1,p2",
	LPRT: "LPRT <sp> af,hal,h1,...,hn,pal,p1,...,pn",
	EPRT: "EPRT <sp> |af|addr|port| (not supported, use EPSV)",
	PASV: "PASV (set server in passive mode)",
	LPSV: "LPSV (set server in long passive mode)",
	EPSV: "EPSV [<sp> af|ALL]",
	TYPE: "TYPE <sp> A [N] | I | L 8",
	STRU: "STRU <sp> F | R",
	MODE: "MODE <sp> S",
	RETR: "RETR <sp> file-name",
	STOR: "STOR <sp> file-name (not allowed, read-only)",
	PWD:  "PWD (print working directory)",
	LIST: "LIST [<sp> path-name]",
	NLST: "NLST [<sp> path-name]",
	SYST: "SYST (get type of operating system)",
	HELP: "HELP [<sp> command]",
	NOOP: "NOOP",
	REST: "REST <sp> offset (TYPE I only)",
	SIZE: "SIZE <sp> file-name (TYPE I only)",
	MDTM: "MDTM <sp> file-name",
}

func (s *session) handleCommand(cmd Command) error {
	handler, ok := commandHandlers[cmd.Verb]
	if !ok {
		return s.reply(StatusSyntaxErrorNotImplemented, "Command not implemented.")
	}
	return handler(s, cmd.Arg)
}

func (s *session) handleUSER(arg Arg) error {
	s.logger.Debug("login", "user", tools.IsPrintable(string(arg.(StringArg))))
	return s.reply(StatusUserNameOK, "User name okay, send your email address as password.")
}

func (s *session) handlePASS(Arg) error {
	return s.reply(StatusUserLoggedIn, "User logged in, proceed.")
}

func (s *session) handleQUIT(Arg) error {
	if err := s.reply(StatusServiceClosingControlConnection, "Goodbye."); err != nil {
		return err
	}
	return errQuit
}

func (s *session) handleCWD(arg Arg) error {
	return s.changeDir(string(arg.(StringArg)))
}

func (s *session) handleCDUP(Arg) error {
	return s.changeDir("..")
}

func (s *session) changeDir(p string) error {
	resolver := Resolver{FS: s.server.FS}
	dir, count, err := resolver.Resolve(s.cwd, p)
	if err != nil {
		if errors.Is(err, ErrTooManyQueries) {
			s.logger.Warn("cwd lookup budget exhausted", "path", tools.IsPrintable(p))
		}
		return s.reply(StatusFileUnavailable, err.Error()+".")
	}
	if dir == s.cwd {
		return s.reply(StatusFileActionOK, "CWD command successful.")
	}
	s.cwd = dir
	lines := []string{fmt.Sprintf("Directory changed to %s", dir)}
	if count > 1 {
		lines = append(lines, fmt.Sprintf("%d directories matched, using the first", count))
	}
	lines = append(lines, "CWD command successful.")
	return s.replyLines(StatusFileActionOK, lines...)
}

func (s *session) handlePWD(Arg) error {
	quoted := strings.ReplaceAll(s.cwd, `"`, `""`)
	return s.reply(StatusPathnameCreated, fmt.Sprintf(`"%s" is current directory.`, quoted))
}

func (s *session) handleTYPE(arg Arg) error {
	t := arg.(TypeArg)
	switch t.Code {
	case 'A':
		s.transferType = typeASCII
		return s.reply(StatusCommandOK, "Type set to A.")
	case 'I':
		s.transferType = typeImage
		return s.reply(StatusCommandOK, "Type set to I.")
	}
	if t.ByteSize != 8 {
		return s.reply(StatusCommandNotImplementedForParam, "Only byte size 8 is supported.")
	}
	s.transferType = typeImage
	return s.reply(StatusCommandOK, "Type set to L 8.")
}

func (s *session) handleSTRU(arg Arg) error {
	switch byte(arg.(StructureArg)) {
	case 'F':
		s.structure = structureFile
		return s.reply(StatusCommandOK, "Structure set to F.")
	case 'R':
		s.structure = structureRecord
		return s.reply(StatusCommandOK, "Structure set to R.")
	}
	return s.reply(StatusCommandNotImplementedForParam, "Page structure is not supported.")
}

func (s *session) handleMODE(arg Arg) error {
	if byte(arg.(ModeArg)) == 'S' {
		return s.reply(StatusCommandOK, "Mode set to S.")
	}
	return s.reply(StatusCommandNotImplementedForParam, "Only stream mode is supported.")
}

func (s *session) handleREST(arg Arg) error {
	if s.transferType != typeImage || s.structure != structureFile {
		return s.reply(StatusRestartNotAllowed, "REST requires TYPE I and STRU F.")
	}
	s.restOffset = int64(arg.(OffsetArg))
	s.restCounter = s.counter
	s.restValid = true
	return s.reply(StatusFileActionPending, fmt.Sprintf("Restarting at %d. Send RETR to initiate transfer.", s.restOffset))
}

func (s *session) handleSTOR(Arg) error {
	return s.reply(StatusFileNameNotAllowed, "Read-only server, uploads are not allowed.")
}

func (s *session) handleSYST(Arg) error {
	return s.reply(StatusNameSystemType, "UNIX Type: L8")
}

func (s *session) handleNOOP(Arg) error {
	return s.reply(StatusCommandOK, "NOOP command successful.")
}

func (s *session) handleHELP(arg Arg) error {
	topic := arg.(OptionalStringArg)
	if topic.Set {
		verb := strings.ToUpper(strings.TrimSpace(topic.Value))
		if text, ok := helpText[verb]; ok {
			return s.reply(StatusHelpMessage, "Syntax: "+text)
		}
		return s.reply(StatusSyntaxErrorNotImplemented, fmt.Sprintf("Unknown command %s.", tools.IsPrintable(topic.Value)))
	}
	lines := []string{"The following commands are recognized:"}
	for i := 0; i < len(Verbs); i += 8 {
		row := Verbs[i:min(i+8, len(Verbs))]
		lines = append(lines, " "+strings.Join(row, " "))
	}
	lines = append(lines, "Help OK.")
	return s.replyLines(StatusHelpMessage, lines...)
}

func (s *session) handleSIZE(arg Arg) error {
	name := s.absPath(string(arg.(StringArg)))
	if s.transferType != typeImage || s.structure != structureFile {
		return s.reply(StatusFileUnavailable, "SIZE not allowed in ASCII mode.")
	}
	e, err := s.server.FS.Resolve(name)
	if err != nil {
		return s.replyStoreError(name, err)
	}
	if e.IsDir {
		return s.reply(StatusFileUnavailable, fmt.Sprintf("%s: not a plain file.", name))
	}
	return s.reply(StatusFileStatus, fmt.Sprintf("%d", e.Size))
}

func (s *session) handleMDTM(arg Arg) error {
	name := s.absPath(string(arg.(StringArg)))
	e, err := s.server.FS.Resolve(name)
	if err != nil {
		return s.replyStoreError(name, err)
	}
	t := e.ModTime
	if t.IsZero() {
		t = time.Now()
	}
	return s.reply(StatusFileStatus, t.UTC().Format("20060102150405"))
}

// replyStoreError answers a failed backing store lookup with 550.
func (s *session) replyStoreError(name string, err error) error {
	if errors.Is(err, filesystem.ErrNotExist) {
		return s.reply(StatusFileUnavailable, fmt.Sprintf("%s: No such file or directory.", name))
	}
	s.logger.Warn("backing store error", "path", name, "error", err)
	return s.reply(StatusFileUnavailable, fmt.Sprintf("%s: Requested action not taken.", name))
}
