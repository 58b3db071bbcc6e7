package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/model"
)

func main() {
	var (
		dbPath     string
		command    string
		location   string
		cluster    string
		device     string
		mode       string
		phase      string
		kind       string
		value      float64
		deviceType string
		kp, ki, kd float64
	)
	flag.StringVar(&dbPath, "db", "data/grow.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: show-state, set-zone-mode, set-device-mode, set-setpoint, set-pid")
	flag.StringVar(&location, "location", "", "Zone location")
	flag.StringVar(&cluster, "cluster", "", "Zone cluster")
	flag.StringVar(&device, "device", "", "Device name for device commands")
	flag.StringVar(&mode, "mode", "", "Mode for zone or device commands")
	flag.StringVar(&phase, "phase", "", "Climate phase for set-setpoint (empty = all phases)")
	flag.StringVar(&kind, "kind", "", "Setpoint kind: heating, cooling, vpd, co2")
	flag.Float64Var(&value, "value", 0, "Setpoint value")
	flag.StringVar(&deviceType, "type", "", "Device type for set-pid")
	flag.Float64Var(&kp, "kp", 0, "Proportional gain")
	flag.Float64Var(&ki, "ki", 0, "Integral gain")
	flag.Float64Var(&kd, "kd", 0, "Derivative gain")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		flag.Usage()
		os.Exit(0)
	}

	conn, err := db.Open(dbPath)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	zone := model.Zone{Location: location, Cluster: cluster}

	switch command {
	case "show-state":
		devices, err := db.GetAllDevices(conn)
		fail(err)
		for i := range devices {
			d := &devices[i]
			st, err := db.GetDeviceState(conn, d.Zone, d.Name)
			if err != nil {
				fmt.Printf("%-40s (no state)\n", d.Key())
				continue
			}
			fmt.Printf("%-40s on=%-5v mode=%-9s duty=%5.1f%% intensity=%5.1f%% reason=%s\n",
				d.Key(), st.On, st.Mode, st.DutyCycle, st.Intensity, st.LastReason)
		}

	case "set-zone-mode":
		requireZone(zone)
		fail(db.UpdateZoneMode(conn, zone, model.ZoneMode(mode), "debug-cli"))

	case "set-device-mode":
		requireZone(zone)
		if device == "" {
			fmt.Println("Error: -device is required")
			os.Exit(1)
		}
		fail(db.UpdateDeviceMode(conn, zone, device, model.DeviceMode(mode)))

	case "set-setpoint":
		requireZone(zone)
		existing, err := db.GetSetpoints(conn, zone)
		fail(err)
		sp := existing[model.Phase(phase)]
		switch kind {
		case model.KindHeating:
			sp.Heating = &value
		case model.KindCooling:
			sp.Cooling = &value
		case model.KindVPD:
			sp.VPD = &value
		case model.KindCO2:
			sp.CO2 = &value
		default:
			fmt.Println("Error: -kind must be heating, cooling, vpd, or co2")
			os.Exit(1)
		}
		fail(db.UpsertSetpoints(conn, zone, model.Phase(phase), sp))

	case "set-pid":
		if deviceType == "" {
			fmt.Println("Error: -type is required")
			os.Exit(1)
		}
		fail(db.UpsertPIDParams(conn, deviceType, model.PIDParams{
			Kp: kp, Ki: ki, Kd: kd, UpdatedAt: time.Now(), Source: "debug-cli",
		}))

	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	fmt.Printf("Command %s completed successfully\n", command)
}

func requireZone(zone model.Zone) {
	if zone.Location == "" || zone.Cluster == "" {
		fmt.Println("Error: -location and -cluster are required")
		os.Exit(1)
	}
}

func fail(err error) {
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
