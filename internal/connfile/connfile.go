// Package connfile loads the flat connection descriptor list that names
// the consolidation target and every source branch.
package connfile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultPort is assumed for the five-field line format.
const DefaultPort = 1433

var (
	// ErrNoTarget means no line carried the target flag.
	ErrNoTarget = errors.New("no target connection flagged")
	// ErrNoSources means every line carried the target flag.
	ErrNoSources = errors.New("no source connections listed")
)

// Connection is one descriptor line from the connections file.
type Connection struct {
	Server   string
	Port     int
	Database string
	Username string
	Password string
	IsTarget bool
}

// Addr returns host:port for logs.
func (c Connection) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

// Load parses the connections file. Lines are comma-separated with either
// five fields (server,database,username,password,target) or six
// (server,port,database,username,password,target). Blank lines and lines
// starting with '#' are ignored; malformed lines are skipped with a
// warning so one bad entry cannot take out the whole fleet.
func Load(path string, logger *zap.Logger) ([]Connection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open connections file: %w", err)
	}
	defer f.Close()

	var conns []Connection
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		conn, err := parseLine(line)
		if err != nil {
			logger.Warn("skipping malformed connections line",
				zap.Int("line", lineNum),
				zap.Error(err))
			continue
		}
		conns = append(conns, conn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read connections file: %w", err)
	}

	logger.Info("loaded connection descriptors",
		zap.String("file", path),
		zap.Int("count", len(conns)))
	return conns, nil
}

func parseLine(line string) (Connection, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var c Connection
	switch len(parts) {
	case 5:
		c = Connection{
			Server:   parts[0],
			Port:     DefaultPort,
			Database: parts[1],
			Username: parts[2],
			Password: parts[3],
			IsTarget: isTargetFlag(parts[4]),
		}
	case 6:
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return Connection{}, fmt.Errorf("invalid port %q: %w", parts[1], err)
		}
		c = Connection{
			Server:   parts[0],
			Port:     port,
			Database: parts[2],
			Username: parts[3],
			Password: parts[4],
			IsTarget: isTargetFlag(parts[5]),
		}
	default:
		return Connection{}, fmt.Errorf("expected 5 or 6 fields, got %d", len(parts))
	}

	if c.Server == "" || c.Database == "" {
		return Connection{}, errors.New("server and database are required")
	}
	return c, nil
}

func isTargetFlag(s string) bool {
	return strings.EqualFold(s, "yes")
}

// Partition splits descriptors into the single consolidation target and
// the source branches. The first target-flagged entry wins; extra targets
// are ignored with a warning.
func Partition(conns []Connection, logger *zap.Logger) (Connection, []Connection, error) {
	var target *Connection
	var sources []Connection
	for i := range conns {
		if conns[i].IsTarget {
			if target == nil {
				target = &conns[i]
			} else {
				logger.Warn("multiple target connections flagged; using the first",
					zap.String("ignored", conns[i].Addr()))
			}
			continue
		}
		sources = append(sources, conns[i])
	}
	if target == nil {
		return Connection{}, nil, ErrNoTarget
	}
	if len(sources) == 0 {
		return Connection{}, nil, ErrNoSources
	}
	return *target, sources, nil
}
