// Package target provides host specification parsing and validation for ssh-fleet.
package target

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Target represents a parsed host specification containing connection details
type Target struct {
	User         string            // SSH username
	Host         string            // Hostname or IP address
	Port         int               // SSH port number
	IdentityFile string            // Path to SSH private key file
	Tags         []string          // Group tags (populated by inventory sources)
	Properties   map[string]string // Free-form host variables (populated by inventory sources)
	Original     string            // Original host specification string
}

// Addr returns the host:port dial address for the target.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Label returns the identifier used for the target in results and logs.
// Port is included only when it differs from the SSH default.
func (t Target) Label() string {
	if t.Port != 0 && t.Port != 22 {
		return fmt.Sprintf("%s:%d", t.Host, t.Port)
	}
	return t.Host
}

// Parser defines the interface for parsing and validating host specifications
type Parser interface {
	// ParseHosts parses comma-separated host specifications
	ParseHosts(input string) ([]Target, error)

	// ParseHostFile reads host specifications from a file (one per line)
	ParseHostFile(filename string) ([]Target, error)

	// ParseStdin reads host specifications from stdin
	ParseStdin() ([]Target, error)

	// ValidateTarget validates a target for correctness
	ValidateTarget(target Target) error
}

// DefaultParser implements the Parser interface
type DefaultParser struct{}

// NewParser creates a new DefaultParser instance
func NewParser() Parser {
	return &DefaultParser{}
}

// ParseHostSpec parses a single host specification in the format "user@host:port?key=path"
func ParseHostSpec(spec string) (Target, error) {
	target := Target{
		Original: spec,
		Port:     22, // Default SSH port
	}

	if strings.TrimSpace(spec) == "" {
		return target, fmt.Errorf("empty host specification")
	}

	// Split on '?' to separate host part from query parameters
	parts := strings.SplitN(spec, "?", 2)
	hostPart := parts[0]

	if len(parts) == 2 {
		values, err := url.ParseQuery(parts[1])
		if err != nil {
			return target, fmt.Errorf("invalid query parameters: %w", err)
		}

		if key := values.Get("key"); key != "" {
			target.IdentityFile = key
		}
	}

	// Parse user@host:port format
	var userHost string
	if strings.Contains(hostPart, "@") {
		userHostParts := strings.SplitN(hostPart, "@", 2)
		target.User = userHostParts[0]
		userHost = userHostParts[1]
	} else {
		userHost = hostPart
	}

	var host string
	var portStr string

	// Handle IPv6 addresses in brackets
	if strings.HasPrefix(userHost, "[") {
		// IPv6 format: [::1]:2222
		closeBracket := strings.Index(userHost, "]")
		if closeBracket == -1 {
			return target, fmt.Errorf("invalid IPv6 address format: missing closing bracket")
		}

		host = userHost[1:closeBracket]
		remainder := userHost[closeBracket+1:]

		if strings.HasPrefix(remainder, ":") {
			portStr = remainder[1:]
		}
	} else {
		if strings.Contains(userHost, ":") {
			hostPortParts := strings.SplitN(userHost, ":", 2)
			host = hostPortParts[0]
			portStr = hostPortParts[1]
		} else {
			host = userHost
		}
	}

	target.Host = host

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return target, fmt.Errorf("invalid port number '%s': %w", portStr, err)
		}
		if port < 1 || port > 65535 {
			return target, fmt.Errorf("port number %d out of valid range (1-65535)", port)
		}
		target.Port = port
	}

	if err := ValidateTarget(target); err != nil {
		return target, fmt.Errorf("validation failed: %w", err)
	}

	return target, nil
}

// ValidateTarget validates a target for correctness
func ValidateTarget(target Target) error {
	if target.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	// net.JoinHostPort rejects host strings that would corrupt the dial address
	hostPort := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	if hostPort == "" {
		return fmt.Errorf("invalid host:port combination")
	}

	if target.IdentityFile != "" {
		if !filepath.IsAbs(target.IdentityFile) {
			absPath, err := filepath.Abs(target.IdentityFile)
			if err != nil {
				return fmt.Errorf("invalid identity file path '%s': %w", target.IdentityFile, err)
			}
			target.IdentityFile = absPath
		}

		if _, err := os.Stat(target.IdentityFile); err != nil {
			return fmt.Errorf("identity file '%s' not accessible: %w", target.IdentityFile, err)
		}
	}

	return nil
}

// ParseHosts parses comma-separated host specifications
func (p *DefaultParser) ParseHosts(input string) ([]Target, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("empty hosts input")
	}

	specs := strings.Split(input, ",")
	targets := make([]Target, 0, len(specs))

	for i, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue // Skip empty entries
		}

		target, err := ParseHostSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("error parsing host %d ('%s'): %w", i+1, spec, err)
		}

		targets = append(targets, target)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("no valid hosts found in input")
	}

	return targets, nil
}

// ParseHostFile reads host specifications from a file (one per line)
func (p *DefaultParser) ParseHostFile(filename string) ([]Target, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename cannot be empty")
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open host file '%s': %w", filename, err)
	}
	defer file.Close()

	return p.parseFromReader(file)
}

// ParseStdin reads host specifications from stdin
func (p *DefaultParser) ParseStdin() ([]Target, error) {
	return p.parseFromReader(os.Stdin)
}

// parseFromReader reads host specifications from any io.Reader (one per line)
func (p *DefaultParser) parseFromReader(reader io.Reader) ([]Target, error) {
	scanner := bufio.NewScanner(reader)
	targets := make([]Target, 0)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		target, err := ParseHostSpec(line)
		if err != nil {
			return nil, fmt.Errorf("error parsing line %d ('%s'): %w", lineNum, line, err)
		}

		targets = append(targets, target)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading input: %w", err)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("no valid hosts found in input")
	}

	return targets, nil
}

// ValidateTarget validates a target for correctness
func (p *DefaultParser) ValidateTarget(target Target) error {
	return ValidateTarget(target)
}
