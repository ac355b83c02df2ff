package control

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// redisStore throttles handshakes across multiple Control Server instances
// sharing one Redis deployment, using INCR/EXPIRE against a fixed window —
// the same hand-rolled RESP client shape the teacher uses for its login
// limiter, retargeted to handshake keys. Verified in redis_store_test.go
// against the real github.com/redis/go-redis/v9 client and against
// redisstub, the same split the teacher uses for its chat queue.
type redisStore struct {
	addr     string
	password string
	timeout  time.Duration
}

func newRedisStore(addr, password string, timeout time.Duration) *redisStore {
	return &redisStore{addr: addr, password: password, timeout: timeout}
}

func (s *redisStore) Allow(key string, limit int, window time.Duration) (bool, error) {
	conn, err := net.DialTimeout("tcp", s.addr, s.timeout)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if s.password != "" {
		if err := writeCommand(writer, "AUTH", s.password); err != nil {
			return false, err
		}
		if _, err := readReply(reader); err != nil {
			return false, err
		}
	}

	if err := writeCommand(writer, "INCR", key); err != nil {
		return false, err
	}
	countReply, err := readReply(reader)
	if err != nil {
		return false, err
	}
	count, err := asInt(countReply)
	if err != nil {
		return false, err
	}
	if count == 1 {
		seconds := int64(window / time.Second)
		if seconds <= 0 {
			seconds = 1
		}
		if err := writeCommand(writer, "EXPIRE", key, strconv.FormatInt(seconds, 10)); err != nil {
			return false, err
		}
		if _, err := readReply(reader); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

func writeCommand(w *bufio.Writer, args ...string) error {
	if len(args) == 0 {
		return errors.New("redis command requires arguments")
	}
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(arg), arg); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readReply(r *bufio.Reader) (interface{}, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		return readLine(r)
	case '-':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(line)
	case ':':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(line, 10, 64)
	case '$':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	default:
		return nil, fmt.Errorf("unexpected redis reply prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func asInt(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case nil:
		return 0, errors.New("nil reply")
	default:
		return 0, fmt.Errorf("unexpected redis reply type %T", v)
	}
}
