package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/cache"
	"github.com/dkeye/Parley/internal/client"
	"github.com/dkeye/Parley/internal/config"
	"github.com/dkeye/Parley/internal/protocol"
)

// consoleRenderer prints display events as plain lines. The session calls
// it from its dispatch goroutine only.
type consoleRenderer struct{}

func (consoleRenderer) RoomSwitched(room string) { fmt.Printf("--- room: %s ---\n", room) }

func (consoleRenderer) Message(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeText:
		fmt.Printf("[%s] %s\n", env.Username, env.Text)
	case protocol.TypeFile:
		fmt.Printf("[%s] sent file %s (%s, %d bytes)\n", env.Username, env.Name, env.Mime, env.Size)
	case protocol.TypeStatus:
		fmt.Printf("* %s\n", env.Text)
	}
}

func (consoleRenderer) Presence(users []string) { fmt.Printf("* here: %s\n", strings.Join(users, ", ")) }
func (consoleRenderer) RoomList(rooms []string) { fmt.Printf("* rooms: %s\n", strings.Join(rooms, ", ")) }
func (consoleRenderer) Notice(text string)      { fmt.Printf("! %s\n", text) }

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	name := flag.String("name", "", "display name")
	cacheDir := flag.String("cache", "", "history cache directory (default: user cache dir)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	// Server values win over built-in defaults; both get clamped.
	limits, err := config.FetchLimits(ctx, *server)
	if err != nil {
		log.Warn().Err(err).Msg("config fetch failed, using defaults")
		limits = config.DefaultLimits().Clamp()
	}

	dir := *cacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "parley")
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		log.Fatal().Err(err).Str("dir", dir).Msg("open history cache")
	}
	defer db.Close()

	store := cache.NewStore(db, limits)
	go store.RunSweeper(ctx, 10*time.Second, time.Hour)

	wsBase := strings.Replace(*server, "http", "ws", 1)
	sess := client.NewSession(wsBase, limits, cache.NewManager(store), consoleRenderer{}, *name)
	go sess.Run(ctx)

	fmt.Println("commands: /join <room>, /create <room>, /name <name>, /file <path>, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), int(limits.MaxMessageBytes))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			cancel()
			return
		case strings.HasPrefix(line, "/join "):
			sess.SwitchRoom(strings.TrimSpace(strings.TrimPrefix(line, "/join ")))
		case strings.HasPrefix(line, "/create "):
			sess.CreateRoom(strings.TrimSpace(strings.TrimPrefix(line, "/create ")))
		case strings.HasPrefix(line, "/name "):
			sess.Rename(strings.TrimSpace(strings.TrimPrefix(line, "/name ")))
		case strings.HasPrefix(line, "/file "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Printf("! cannot read %s: %v\n", path, err)
				continue
			}
			sess.SendFile(filepath.Base(path), "", data)
		default:
			sess.SendText(line)
		}
	}
}
