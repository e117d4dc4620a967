package server

// commandSpec binds a command verb to its handler and the minimum session
// state required before the handler runs. commandRegistry replaces the
// teacher's bare handler map with one that also carries each command's
// auth requirement, enforced once by authGateMiddleware instead of a
// repeated "if !s.isLoggedIn" in every handler.
type commandSpec struct {
	auth authLevel
	fn   handlerFunc
}

// commandRegistry is the command table handleCommand dispatches through.
var commandRegistry = map[string]commandSpec{
	// Access control
	"USER": {authNone, func(s *session, _, arg string) { _ = s.handleUSER(arg) }},
	"PASS": {authNone, func(s *session, _, arg string) { _ = s.handlePASS(arg) }},
	"QUIT": {authNone, func(s *session, _, _ string) { s.reply(221, "Service closing control connection.") }},
	"NOOP": {authNone, func(s *session, _, _ string) { s.reply(200, "OK.") }},
	"ACCT": {authNone, func(s *session, _, arg string) { s.handleACCT(arg) }},

	// File management
	"CWD":  {authUser, func(s *session, _, arg string) { s.handleCWD(arg) }},
	"XCWD": {authUser, func(s *session, _, arg string) { s.handleCWD(arg) }},
	"CDUP": {authUser, func(s *session, _, _ string) { s.handleCDUP() }},
	"XCUP": {authUser, func(s *session, _, _ string) { s.handleCDUP() }},
	"UP":   {authUser, func(s *session, _, _ string) { s.handleCDUP() }},
	"PWD":  {authUser, func(s *session, _, _ string) { s.handlePWD() }},
	"XPWD": {authUser, func(s *session, _, _ string) { s.handlePWD() }},
	"LIST": {authUser, func(s *session, _, arg string) { s.handleLIST(arg) }},
	"NLST": {authUser, func(s *session, _, arg string) { s.handleNLST(arg) }},
	"MKD":  {authUser, func(s *session, _, arg string) { s.handleMKD(arg) }},
	"XMKD": {authUser, func(s *session, _, arg string) { s.handleMKD(arg) }},
	"RMD":  {authUser, func(s *session, _, arg string) { s.handleRMD(arg) }},
	"XRMD": {authUser, func(s *session, _, arg string) { s.handleRMD(arg) }},
	"DELE": {authUser, func(s *session, _, arg string) { s.handleDELE(arg) }},
	"RNFR": {authUser, func(s *session, _, arg string) { s.handleRNFR(arg) }},
	"RNTO": {authUser, func(s *session, _, arg string) { s.handleRNTO(arg) }},

	// File transfer
	"RETR": {authUser, func(s *session, _, arg string) { s.handleRETR(arg) }},
	"STOR": {authUser, func(s *session, _, arg string) { s.handleSTOR(arg) }},
	"APPE": {authUser, func(s *session, _, arg string) { s.handleAPPE(arg) }},
	"STOU": {authUser, func(s *session, _, _ string) { s.handleSTOU() }},

	// Transfer parameters
	"TYPE": {authUser, func(s *session, _, arg string) { s.handleTYPE(arg) }},
	"PORT": {authUser, func(s *session, _, arg string) { s.handlePORT(arg) }},
	"PASV": {authUser, func(s *session, _, _ string) { s.handlePASV() }},
	"EPSV": {authUser, func(s *session, _, _ string) { s.handleEPSV() }},
	"EPRT": {authUser, func(s *session, _, arg string) { s.handleEPRT(arg) }},
	"REST": {authNone, func(s *session, _, arg string) { s.handleREST(arg) }},
	"MODE": {authNone, func(s *session, _, arg string) { s.handleMODE(arg) }},
	"STRU": {authNone, func(s *session, _, arg string) { s.handleSTRU(arg) }},

	// Information
	"SIZE": {authUser, func(s *session, _, arg string) { s.handleSIZE(arg) }},
	"MDTM": {authUser, func(s *session, _, arg string) { s.handleMDTM(arg) }},
	"FEAT": {authNone, func(s *session, _, arg string) { s.handleFEAT(arg) }},
	"OPTS": {authNone, func(s *session, _, arg string) { s.handleOPTS(arg) }},
	"MLSD": {authUser, func(s *session, _, arg string) { s.handleMLSD(arg) }},
	"MLST": {authUser, func(s *session, _, arg string) { s.handleMLST(arg) }},

	// Security (RFC 2228/4217)
	"AUTH": {authNone, func(s *session, _, arg string) { s.handleAUTH(arg) }},
	"PROT": {authNone, func(s *session, _, arg string) { s.handlePROT(arg) }},
	"PBSZ": {authNone, func(s *session, _, arg string) { s.handlePBSZ(arg) }},

	// RFC 1123 compliance and informational
	"SYST": {authNone, func(s *session, _, _ string) { s.handleSYST() }},
	"STAT": {authNone, func(s *session, _, arg string) { s.handleSTAT(arg) }},
	"HELP": {authNone, func(s *session, _, arg string) { s.handleHELP(arg) }},
	"SITE": {authNone, func(s *session, _, arg string) { s.handleSITE(arg) }},

	// Extensions
	"HOST": {authNone, func(s *session, _, arg string) { s.handleHOST(arg) }},
	"HASH": {authUser, func(s *session, _, arg string) { s.handleHASH(arg) }},
	"MFMT": {authUser, func(s *session, _, arg string) { s.handleMFMT(arg) }},

	// Special
	"ABOR": {authNone, func(s *session, _, arg string) { s.handleABOR(arg) }},
}
