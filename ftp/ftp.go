// Package ftp implements a read-only FTP server over a filesystem.FS.
//
// Each control connection is framed by a LineStream (telnet NVT), parsed into
// a Command and dispatched by a session. A process-wide Watchdog ends idle
// sessions.
package ftp

// StatusCode is a type for FTP status codes
type StatusCode = int

const (
	StatusFileStatusOK StatusCode = 150 // File status okay; about to open data connection

	StatusCommandOK                       StatusCode = 200 // Command okay
	StatusFileStatus                      StatusCode = 213 // File status
	StatusHelpMessage                     StatusCode = 214 // Help message
	StatusNameSystemType                  StatusCode = 215 // NAME system type
	StatusServiceReadyForNewUser          StatusCode = 220 // Service ready for new user
	StatusServiceClosingControlConnection StatusCode = 221 // Service closing control connection
	StatusClosingDataConnection           StatusCode = 226 // Closing data connection; requested file action successful
	StatusEnteringPassiveMode             StatusCode = 227 // Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	StatusEnteringLongPassiveMode         StatusCode = 228 // Entering Long Passive Mode (long address, port)
	StatusEnteringExtendedPassiveMode     StatusCode = 229 // Entering Extended Passive Mode (|||port|)
	StatusUserLoggedIn                    StatusCode = 230 // User logged in, proceed
	StatusFileActionOK                    StatusCode = 250 // Requested file action okay, completed
	StatusPathnameCreated                 StatusCode = 257 // "PATHNAME" created

	StatusUserNameOK        StatusCode = 331 // User name okay, need password
	StatusFileActionPending StatusCode = 350 // Requested file action pending further information

	StatusCantOpenDataConnection          StatusCode = 425 // Can't open data connection
	StatusConnectionClosedTransferAborted StatusCode = 426 // Connection closed; transfer aborted
	StatusLocalProcessingError            StatusCode = 451 // Requested action aborted: local error in processing

	StatusSyntaxError                   StatusCode = 500 // Syntax error, command unrecognized
	StatusSyntaxErrorNotImplemented     StatusCode = 502 // Command not implemented
	StatusCommandNotImplementedForParam StatusCode = 504 // Command not implemented for that parameter
	StatusBadNetworkProtocol            StatusCode = 521 // Supported address families are (af)
	StatusExtendedProtocolNotSupported  StatusCode = 522 // Network protocol not supported, use (af)
	StatusFileUnavailable               StatusCode = 550 // Requested action not taken; File unavailable
	StatusFileNameNotAllowed            StatusCode = 553 // Requested action not taken; file name not allowed
	StatusRestartNotAllowed             StatusCode = 555 // Requested action not taken; type or stru mismatch
)

var statusText = map[StatusCode]string{
	150: "StatusFileStatusOK",
	200: "StatusCommandOK",
	213: "StatusFileStatus",
	214: "StatusHelpMessage",
	215: "StatusNameSystemType",
	220: "StatusServiceReadyForNewUser",
	221: "StatusServiceClosingControlConnection",
	226: "StatusClosingDataConnection",
	227: "StatusEnteringPassiveMode",
	228: "StatusEnteringLongPassiveMode",
	229: "StatusEnteringExtendedPassiveMode",
	230: "StatusUserLoggedIn",
	250: "StatusFileActionOK",
	257: "StatusPathnameCreated",
	331: "StatusUserNameOK",
	350: "StatusFileActionPending",
	425: "StatusCantOpenDataConnection",
	426: "StatusConnectionClosedTransferAborted",
	451: "StatusLocalProcessingError",
	500: "StatusSyntaxError",
	502: "StatusSyntaxErrorNotImplemented",
	504: "StatusCommandNotImplementedForParam",
	521: "StatusBadNetworkProtocol",
	522: "StatusExtendedProtocolNotSupported",
	550: "StatusFileUnavailable",
	553: "StatusFileNameNotAllowed",
	555: "StatusRestartNotAllowed",
}

// StatusText returns the constant name of code, or "" when unknown.
func StatusText(code int) string {
	return statusText[code]
}

// Verb is the keyword of an FTP command.
type Verb = string

const (
	// Access control
	USER Verb = "USER" // Send username
	PASS Verb = "PASS" // Send password
	CWD  Verb = "CWD"  // Change working directory
	CDUP Verb = "CDUP" // Change to parent directory
	QUIT Verb = "QUIT" // Log out

	// Transfer parameters
	PORT Verb = "PORT" // Active mode, IPv4 (RFC 959)
	LPRT Verb = "LPRT" // Long active mode (RFC 1639)
	EPRT Verb = "EPRT" // Extended active mode (RFC 2428)
	PASV Verb = "PASV" // Passive mode, IPv4
	LPSV Verb = "LPSV" // Long passive mode (RFC 1639)
	EPSV Verb = "EPSV" // Extended passive mode (RFC 2428)
	TYPE Verb = "TYPE" // Representation type
	STRU Verb = "STRU" // File structure
	MODE Verb = "MODE" // Transfer mode

	// Service
	RETR Verb = "RETR" // Retrieve a file
	STOR Verb = "STOR" // Store a file
	PWD  Verb = "PWD"  // Print working directory
	LIST Verb = "LIST" // Long listing
	NLST Verb = "NLST" // Name listing
	SYST Verb = "SYST" // System type
	HELP Verb = "HELP" // Help
	NOOP Verb = "NOOP" // No operation
	REST Verb = "REST" // Restart offset (RFC 3659)
	SIZE Verb = "SIZE" // File size (RFC 3659)
	MDTM Verb = "MDTM" // Modification time (RFC 3659)
)

const (
	// LineBufferSize is the capacity of each LineStream ring and the longest accepted command line.
	LineBufferSize = 2048
	// MaxStringLen bounds string arguments.
	MaxStringLen = LineBufferSize
	// MaxResolveQueries caps backing store lookups made by one CWD.
	MaxResolveQueries = 1024
	// MinDataPort is the lowest client port accepted by PORT and LPRT.
	MinDataPort = 1024
)
