// uplink-cli is an interactive bench tool: raw AT commands, network
// registration, CoAP fetch/post against a live module.
package main

import (
	"encoding/hex"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"

	"github.com/airgradient/cellular-uplink/helpers/cli"
	"github.com/airgradient/cellular-uplink/log2"
	"github.com/airgradient/cellular-uplink/modem"
	"github.com/airgradient/cellular-uplink/uplink"
)

const usage = `commands separated by whitespace
- at+CMD    send raw AT command, show response (example: at+CSQ)
- register  run network registration
- fetch     CoAP fetch config
- post=XX.. CoAP post measures from hex payload
- ops=S     set operator list "<plmn>:<act>,..."
- apn=S     set APN
- sN        pause N milliseconds
- log=yes|no
`

var log = log2.NewStderr(log2.LDebug)

type cliEnv struct {
	at     *modem.FileAT
	modem  *modem.Modem
	client *uplink.Client
	serial string
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	devicePath := cmdline.String("device", "/dev/ttyUSB2", "serial device of the AT channel")
	baud := cmdline.Int("baud", 115200, "")
	serial := cmdline.String("serial", "airgradient:0000", "device serial for CoAP Uri-Path")
	apn := cmdline.String("apn", "", "")
	cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	at := modem.NewFileAT(log)
	if err := at.Open(*devicePath, *baud); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer at.Close()

	m := modem.New(log, at, nil)
	client := uplink.NewClient(log, m)
	client.APN = *apn
	client.Serial = *serial

	env := &cliEnv{at: at, modem: m, client: client, serial: *serial}
	cli.MainLoop("uplink-cli", env.execLine, env.complete)
}

func (env *cliEnv) execLine(line string) {
	for _, word := range strings.Fields(line) {
		if !env.execWord(word) {
			break
		}
	}
}

func (env *cliEnv) execWord(word string) bool {
	switch {
	case word == "help":
		log.Infof(usage)

	case word == "log=yes":
		log.SetLevel(log2.LDebug)
	case word == "log=no":
		log.SetLevel(log2.LInfo)

	case strings.HasPrefix(word, "at"):
		env.at.SendAT(strings.TrimPrefix(word, "at"))
		if _, st := env.at.WaitResponse(5 * time.Second); st != modem.StatusOK {
			log.Errorf("at status=%s", st)
		}

	case word == "register":
		err := env.modem.StartNetworkRegistration(modem.TechAuto, env.client.APN, 0, 0)
		if err != nil {
			log.Errorf("register err=%v", err)
			return false
		}
		log.Infof("registered operator=%d", env.modem.CurrentPLMN())

	case word == "fetch":
		if err := env.client.Begin(env.serial, uplink.OneOpenAir); err != nil {
			log.Errorf("begin err=%v", err)
			return false
		}
		body, err := env.client.FetchConfig(false)
		if err != nil {
			log.Errorf("fetch err=%v", err)
			return false
		}
		log.Infof("config: %s", body)

	case strings.HasPrefix(word, "post="):
		payload, err := hex.DecodeString(strings.TrimPrefix(word, "post="))
		if err != nil {
			log.Errorf("bad hex: %v", err)
			return false
		}
		if env.client.Coap == nil {
			if err = env.client.Begin(env.serial, uplink.OneOpenAir); err != nil {
				log.Errorf("begin err=%v", err)
				return false
			}
		}
		if err = env.client.PostEncoded(payload, false); err != nil {
			log.Errorf("post err=%v", err)
			return false
		}
		log.Infof("posted %d bytes", len(payload))

	case strings.HasPrefix(word, "ops="):
		env.modem.SetOperators(strings.TrimPrefix(word, "ops="), 0)

	case strings.HasPrefix(word, "apn="):
		env.client.APN = strings.TrimPrefix(word, "apn=")

	case strings.HasPrefix(word, "s"):
		ms, err := strconv.ParseUint(word[1:], 10, 32)
		if err != nil {
			log.Errorf("bad pause %q", word)
			return false
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)

	case word == "":

	default:
		log.Errorf("unknown command %q, try help", word)
		return false
	}
	return true
}

func (env *cliEnv) complete(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "help"},
		{Text: "at+CSQ", Description: "signal quality"},
		{Text: "at+COPS=?", Description: "scan operators"},
		{Text: "register", Description: "run network registration"},
		{Text: "fetch", Description: "CoAP fetch config"},
		{Text: "post=", Description: "CoAP post hex payload"},
		{Text: "ops=", Description: "set operator list"},
		{Text: "apn=", Description: "set APN"},
		{Text: "log=yes"},
		{Text: "log=no"},
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}
