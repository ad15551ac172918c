package server

import (
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/pion/turn/v2"
)

// TurnConfig enables the embedded TURN relay for deployments that do not run
// a separate one. Credentials is a space separated "user=pass" list.
type TurnConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Realm       string   `mapstructure:"realm"`
	Address     string   `mapstructure:"address"`
	Credentials string   `mapstructure:"credentials"`
	PortRange   []uint16 `mapstructure:"portrange"`
}

// StartTurnServer runs a TURN relay per conf. The caller owns the returned
// server and must Close it on shutdown.
func StartTurnServer(conf TurnConfig) (*turn.Server, error) {
	udpListener, err := net.ListenPacket("udp4", conf.Address)
	if err != nil {
		return nil, err
	}

	usersMap := map[string][]byte{}
	for _, kv := range regexp.MustCompile(`(\w+)=(\w+)`).FindAllStringSubmatch(conf.Credentials, -1) {
		usersMap[kv[1]] = turn.GenerateAuthKey(kv[1], conf.Realm, kv[2])
	}
	if len(usersMap) == 0 {
		return nil, errors.New("turn: no credentials configured")
	}

	var minPort, maxPort uint16
	if len(conf.PortRange) == 2 {
		minPort = conf.PortRange[0]
		maxPort = conf.PortRange[1]
	}

	return turn.NewServer(turn.ServerConfig{
		Realm: conf.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if key, ok := usersMap[username]; ok {
				return key, true
			}
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
					RelayAddress: net.ParseIP(strings.Split(conf.Address, ":")[0]),
					Address:      "0.0.0.0",
					MinPort:      minPort,
					MaxPort:      maxPort,
				},
			},
		},
	})
}
