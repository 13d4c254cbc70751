package server

import (
	"log"
	"net"
	"strconv"

	"swarm/peer"
)

// Server accepts inbound peer connections and hands them to the peer
// manager, which runs the usual handshake on them.
type Server interface {
	Serve()
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	quit     chan int
	pm       peer.PeerManager
}

var listen = net.Listen

func NewServer(pm peer.PeerManager, quit chan int, port int) (Server, error) {
	sv := &server{
		pm:   pm,
		quit: quit,
	}
	listener, err := listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	sv.listener = listener
	sv.port = listener.Addr().(*net.TCPAddr).Port
	return sv, nil
}

func (sv *server) Serve() {
	go func() {
		<-sv.quit
		sv.listener.Close()
	}()
	go func() {
		for {
			conn, err := sv.listener.Accept()
			if err != nil {
				select {
				case <-sv.quit:
					log.Println("server: peer listener stopped")
				default:
					log.Printf("server: accept failed: %v", err)
				}
				return
			}
			sv.pm.AddPeer(conn.RemoteAddr().String(), nil, conn)
		}
	}()
}

func (sv *server) GetServerPort() int {
	return sv.port
}
