package matrixtest

const (
	// EnvSocket holds the path of the node's hook socket.
	EnvSocket = "DBMATRIX_HOOK_SOCKET"
	// EnvWorkDir holds the node's working directory.
	EnvWorkDir = "MATRIX_WORK_DIR"
	// EnvProperties holds the path of the node's effective properties file.
	EnvProperties = "DBMATRIX_PROPERTIES"
	EnvProfile    = "DBMATRIX_PROFILE"
	EnvNode       = "DBMATRIX_NODE"
	EnvClasspath  = "DBMATRIX_CLASSPATH"
)

type Command string

const (
	CommandBeforeTest Command = "before_test"
	CommandPing       Command = "ping"
)

// Request is one line-delimited JSON message sent to the hook socket.
type Request struct {
	Command Command `json:"command"`
	Class   string  `json:"class,omitempty"`
	Method  string  `json:"method,omitempty"`
}

// Response acknowledges a Request once the hook has completed.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
