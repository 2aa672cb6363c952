package wire

import (
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/verimeet/verimeet/internal/media"
	"github.com/verimeet/verimeet/internal/session"
	"github.com/verimeet/verimeet/internal/signal"
	"github.com/verimeet/verimeet/internal/statusd"
	"github.com/verimeet/verimeet/pkg/mqttclient"
)

// Flag groups shared by the host and join commands. Each group binds one
// ConfigOptions struct, TOML-loadable through the config flag.

func MQTTFlags(options *mqttclient.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.server",
			Usage:       "MQTT server address",
			Value:       "tcp://localhost:1883",
			DefaultText: "tcp://localhost:1883",
			Destination: &options.Server,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.clientID",
			Usage:       "MQTT client id",
			Value:       "verimeet",
			DefaultText: "verimeet",
			Destination: &options.ClientID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.username",
			Usage:       "MQTT broker username",
			Value:       "",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.password",
			Usage:       "MQTT broker password",
			Value:       "",
			Destination: &options.Password,
		}),
	}
}

func SignalFlags(options *signal.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "signal.topic_prefix",
			Usage:       "Topic prefix for signaling topics",
			Value:       "verimeet",
			DefaultText: "verimeet",
			Destination: &options.TopicPrefix,
		}),
		altsrc.NewUintFlag(&cli.UintFlag{
			Name:        "signal.qos",
			Usage:       "MQTT qos for signaling topics",
			Value:       0,
			DefaultText: "0",
			Destination: &options.Qos,
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "signal.retained",
			Usage:       "Retain signaling messages",
			Value:       false,
			DefaultText: "false",
			Destination: &options.Retained,
		}),
	}
}

func WebRTCFlags(options *session.WebRTCConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server",
			Usage:       "ICE server address for webRTC",
			Value:       "stun:stun.l.google.com:19302",
			DefaultText: "stun:stun.l.google.com:19302",
			Destination: &options.ICEServer,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.username",
			Usage:       "ICE server username",
			Value:       "",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.credential",
			Usage:       "ICE server credential",
			Value:       "",
			Destination: &options.Credential,
		}),
	}
}

func MediaFlags(source *media.SourceConfigOptions, constraints *media.Constraints) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "media.source",
			Usage:       "Stream source protocol, one of device, rtsp or rtp",
			Value:       "device",
			DefaultText: "device",
			Destination: &source.Protocol,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "media.rtsp_addr",
			Usage:       "RTSP source address",
			Value:       "rtsp://localhost:8554/live",
			DefaultText: "rtsp://localhost:8554/live",
			Destination: &source.RTSPSourceConfigOptions.Addr,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "media.rtp_host",
			Usage:       "RTP source listener host",
			Value:       "0.0.0.0",
			DefaultText: "0.0.0.0",
			Destination: &source.RTPSourceConfigOptions.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "media.rtp_port",
			Usage:       "RTP source listener port",
			Value:       5004,
			DefaultText: "5004",
			Destination: &source.RTPSourceConfigOptions.Port,
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "media.audio",
			Usage:       "Capture microphone audio",
			Value:       true,
			DefaultText: "true",
			Destination: &constraints.Audio,
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "media.video",
			Usage:       "Capture camera video",
			Value:       true,
			DefaultText: "true",
			Destination: &constraints.Video,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "media.width",
			Usage:       "Maximum capture width",
			Value:       640,
			DefaultText: "640",
			Destination: &constraints.Width,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "media.height",
			Usage:       "Maximum capture height",
			Value:       480,
			DefaultText: "480",
			Destination: &constraints.Height,
		}),
	}
}

func StatusFlags(options *statusd.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "status.addr",
			Usage:       "Local status server listen address, empty disables it",
			Value:       "localhost:8943",
			DefaultText: "localhost:8943",
			Destination: &options.Addr,
		}),
	}
}

func AnomalyFlags(options *AnomalyConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "anomaly.detector_url",
			Usage:       "Inference service endpoint, empty disables anomaly sampling",
			Value:       "",
			Destination: &options.DetectorURL,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "anomaly.every",
			Usage:       "Classify one frame out of this many",
			Value:       30,
			DefaultText: "30",
			Destination: &options.Every,
		}),
		altsrc.NewFloat64Flag(&cli.Float64Flag{
			Name:        "anomaly.threshold",
			Usage:       "High-risk score threshold",
			Value:       0.6,
			DefaultText: "0.6",
			Destination: &options.Threshold,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "anomaly.topic_prefix",
			Usage:       "Topic prefix for anomaly alerts",
			Value:       "verimeet",
			DefaultText: "verimeet",
			Destination: &options.Alert.TopicPrefix,
		}),
		altsrc.NewUintFlag(&cli.UintFlag{
			Name:        "anomaly.qos",
			Usage:       "MQTT qos for anomaly alerts",
			Value:       0,
			DefaultText: "0",
			Destination: &options.Alert.Qos,
		}),
	}
}
