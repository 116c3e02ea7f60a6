package kit

// FTP reply codes used by the test server.
const (
	StatusFileStatusOK             = 150
	StatusOK                       = 200
	StatusSystemStatus             = 211
	StatusFileStatus               = 213
	StatusSystemType               = 215
	StatusServiceReady             = 220
	StatusClosingControlConn       = 221
	StatusClosingDataConn          = 226
	StatusEnteringPASV             = 227
	StatusEnteringEPSV             = 229
	StatusUserLoggedIn             = 230
	StatusFileOK                   = 250
	StatusPathCreated              = 257
	StatusUserOK                   = 331
	StatusServiceNotAvailable      = 421
	StatusCannotOpenDataConnection = 425
	StatusTransferAborted          = 426
	StatusSyntaxErrorNotRecognised = 500
	StatusSyntaxErrorParameters    = 501
	StatusCommandNotImplemented    = 502
	StatusBadCommandSequence       = 503
	StatusNotLoggedIn              = 530
	StatusActionNotTaken           = 550
)
