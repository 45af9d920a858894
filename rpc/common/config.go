package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a dKB server.
type ServerConfig struct {
	// Watched directory
	WatchDir           string
	FileSuffix         string
	WatchMode          string
	PollInterval       time.Duration
	StabilityThreshold time.Duration
	IgnoreInitial      bool
	SyncDeletes        bool
	LenientJSON        bool

	// Replica
	ReplicaID    uint64
	ChangeBuffer int

	// Knowledge base
	SourceExpr     string
	SourceField    string
	Debounce       time.Duration
	MaxWait        time.Duration
	CompileTimeout time.Duration
	QueryTimeout   time.Duration
	QueryAll       bool
	QueryLimit     int
	OutputFile     string

	// HTTP api settings
	Endpoint        string
	ShutdownTimeout time.Duration

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// HTTP settings
	addSection("HTTP Server")
	addField("Endpoint", c.Endpoint)
	addField("Shutdown Timeout", c.ShutdownTimeout.String())

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Watcher
	addSection("Watcher")
	addField("Directory", c.WatchDir)
	addField("File Suffix", c.FileSuffix)
	addField("Mode", c.WatchMode)
	addField("Poll Interval", c.PollInterval.String())
	addField("Stability Threshold", c.StabilityThreshold.String())
	addField("Ignore Initial", strconv.FormatBool(c.IgnoreInitial))
	addField("Sync Deletes", strconv.FormatBool(c.SyncDeletes))
	addField("Lenient JSON", strconv.FormatBool(c.LenientJSON))

	// Replica
	addSection("Replica")
	addField("Replica ID", strconv.FormatUint(c.ReplicaID, 10))
	addField("Change Buffer", strconv.Itoa(c.ChangeBuffer))

	// Knowledge base
	addSection("Knowledge Base")
	addField("Source Expression", c.SourceExpr)
	addField("Source Field", c.SourceField)
	addField("Debounce", c.Debounce.String())
	addField("Max Wait", c.MaxWait.String())
	addField("Compile Timeout", c.CompileTimeout.String())
	addField("Query Timeout", c.QueryTimeout.String())
	addField("Query All", strconv.FormatBool(c.QueryAll))
	addField("Query Limit", strconv.Itoa(c.QueryLimit))
	if c.OutputFile != "" {
		addField("Output File", c.OutputFile)
	} else {
		addField("Output File", "-")
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints     []string
	TimeoutSecond int
	RetryCount    int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
