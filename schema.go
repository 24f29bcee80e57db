package gtfseditor

import "fmt"

// Kind identifies one GTFS entity type and the file it is exchanged as.
type Kind int

const (
	KindAgency Kind = iota + 1
	KindStop
	KindLevel
	KindRoute
	KindShape
	KindCalendar
	KindCalendarDate
	KindTrip
	KindStopTime
	KindFrequency
	KindFareAttribute
	KindFareRule
	KindTransfer
	KindPathway
	KindFeedInfo
)

type valueType int

const (
	textType valueType = iota
	intType
	floatType
	boolType
	dateType
	durationType
)

type columnSchema struct {
	Name     string
	Type     valueType
	Required bool
	// Ref is the kind a foreign ID column references by its natural key.
	Ref Kind
	// SoleDefault resolves a blank reference to the project's only row of Ref, if there is exactly one.
	SoleDefault bool
}

type fileSchema struct {
	Kind      Kind
	Name      string // file name without .txt, also the table name
	Columns   []columnSchema
	Key       []string
	Order     []string // export sort order, defaults to Key
	Mandatory bool
}

// refTarget is where a referenceable kind's natural key lives.
type refTarget struct {
	Table  string
	Column string
}

var refTargets = map[Kind]refTarget{
	KindAgency:        {Table: "agency", Column: "agency_id"},
	KindStop:          {Table: "stops", Column: "stop_id"},
	KindLevel:         {Table: "levels", Column: "level_id"},
	KindRoute:         {Table: "routes", Column: "route_id"},
	KindShape:         {Table: "shape_headers", Column: "shape_id"},
	KindTrip:          {Table: "trips", Column: "trip_id"},
	KindFareAttribute: {Table: "fare_attributes", Column: "fare_id"},
}

var gtfsSchema = map[Kind]*fileSchema{
	KindAgency: {
		Name: "agency",
		Columns: []columnSchema{
			{Name: "agency_id", Required: true},
			{Name: "agency_name", Required: true},
			{Name: "agency_url", Required: true},
			{Name: "agency_timezone", Required: true},
			{Name: "agency_lang"},
			{Name: "agency_phone"},
			{Name: "agency_fare_url"},
			{Name: "agency_email"},
		},
		Key:       []string{"agency_id"},
		Mandatory: true,
	},

	KindStop: {
		Name: "stops",
		Columns: []columnSchema{
			{Name: "stop_id", Required: true},
			{Name: "stop_code"},
			{Name: "stop_name"},
			{Name: "stop_desc"},
			{Name: "stop_lat", Type: floatType, Required: true},
			{Name: "stop_lon", Type: floatType, Required: true},
			{Name: "zone_id"},
			{Name: "stop_url"},
			{Name: "location_type", Type: intType},
			{Name: "parent_station", Ref: KindStop},
			{Name: "stop_timezone"},
			{Name: "wheelchair_boarding", Type: intType},
			{Name: "level_id", Ref: KindLevel},
			{Name: "platform_code"},
		},
		Key:       []string{"stop_id"},
		Mandatory: true,
	},

	KindLevel: {
		Name: "levels",
		Columns: []columnSchema{
			{Name: "level_id", Required: true},
			{Name: "level_index", Type: floatType, Required: true},
			{Name: "level_name"},
		},
		// level_id alone: stops reference levels by it, and reindexing a level must not orphan them.
		Key: []string{"level_id"},
	},

	KindRoute: {
		Name: "routes",
		Columns: []columnSchema{
			{Name: "route_id", Required: true},
			{Name: "agency_id", Ref: KindAgency, Required: true, SoleDefault: true},
			{Name: "route_short_name"},
			{Name: "route_long_name"},
			{Name: "route_desc"},
			{Name: "route_type", Type: intType, Required: true},
			{Name: "route_url"},
			{Name: "route_color"},
			{Name: "route_text_color"},
			{Name: "route_sort_order", Type: intType},
		},
		Key:       []string{"route_id"},
		Mandatory: true,
	},

	// Rows of shapes.txt are points; the shape itself lives in shape_headers.
	KindShape: {
		Name: "shapes",
		Columns: []columnSchema{
			{Name: "shape_id", Ref: KindShape, Required: true},
			{Name: "shape_pt_lat", Type: floatType, Required: true},
			{Name: "shape_pt_lon", Type: floatType, Required: true},
			{Name: "shape_pt_sequence", Type: intType, Required: true},
			{Name: "shape_dist_traveled", Type: floatType},
		},
		Key:       []string{"shape_id", "shape_pt_sequence"},
		Mandatory: true,
	},

	KindCalendar: {
		Name: "calendar",
		Columns: []columnSchema{
			{Name: "service_id", Required: true},
			{Name: "monday", Type: boolType, Required: true},
			{Name: "tuesday", Type: boolType, Required: true},
			{Name: "wednesday", Type: boolType, Required: true},
			{Name: "thursday", Type: boolType, Required: true},
			{Name: "friday", Type: boolType, Required: true},
			{Name: "saturday", Type: boolType, Required: true},
			{Name: "sunday", Type: boolType, Required: true},
			{Name: "start_date", Type: dateType, Required: true},
			{Name: "end_date", Type: dateType, Required: true},
		},
		Key:       []string{"service_id"},
		Mandatory: true,
	},

	KindCalendarDate: {
		Name: "calendar_dates",
		Columns: []columnSchema{
			{Name: "service_id", Required: true},
			{Name: "date", Type: dateType, Required: true},
			{Name: "exception_type", Type: intType, Required: true},
		},
		Key: []string{"service_id", "date"},
	},

	KindTrip: {
		Name: "trips",
		Columns: []columnSchema{
			{Name: "route_id", Ref: KindRoute, Required: true},
			{Name: "service_id", Required: true},
			{Name: "trip_id", Required: true},
			{Name: "trip_headsign"},
			{Name: "trip_short_name"},
			{Name: "direction_id", Type: intType},
			{Name: "block_id"},
			{Name: "shape_id", Ref: KindShape},
			{Name: "wheelchair_accessible", Type: intType},
			{Name: "bikes_allowed", Type: intType},
		},
		Key:       []string{"trip_id"},
		Mandatory: true,
	},

	KindStopTime: {
		Name: "stop_times",
		Columns: []columnSchema{
			{Name: "trip_id", Ref: KindTrip, Required: true},
			{Name: "arrival_time", Type: durationType},
			{Name: "departure_time", Type: durationType},
			{Name: "stop_id", Ref: KindStop, Required: true},
			{Name: "stop_sequence", Type: intType, Required: true},
			{Name: "stop_headsign"},
			{Name: "pickup_type", Type: intType},
			{Name: "drop_off_type", Type: intType},
			{Name: "continuous_pickup", Type: intType},
			{Name: "continuous_drop_off", Type: intType},
			{Name: "shape_dist_traveled", Type: floatType},
			{Name: "timepoint", Type: intType},
		},
		Key:       []string{"trip_id", "stop_id", "stop_sequence"},
		Order:     []string{"trip_id", "stop_sequence", "stop_id"},
		Mandatory: true,
	},

	KindFrequency: {
		Name: "frequencies",
		Columns: []columnSchema{
			{Name: "trip_id", Ref: KindTrip, Required: true},
			{Name: "start_time", Type: durationType, Required: true},
			{Name: "end_time", Type: durationType, Required: true},
			{Name: "headway_secs", Type: intType, Required: true},
			{Name: "exact_times", Type: boolType},
		},
		Key: []string{"trip_id", "start_time"},
	},

	KindFareAttribute: {
		Name: "fare_attributes",
		Columns: []columnSchema{
			{Name: "fare_id", Required: true},
			{Name: "price", Type: floatType, Required: true},
			{Name: "currency_type", Required: true},
			{Name: "payment_method", Type: intType, Required: true},
			{Name: "transfers", Type: intType},
			{Name: "agency_id", Ref: KindAgency, SoleDefault: true},
			{Name: "transfer_duration", Type: intType},
		},
		Key: []string{"fare_id"},
	},

	KindFareRule: {
		Name: "fare_rules",
		Columns: []columnSchema{
			{Name: "fare_id", Ref: KindFareAttribute, Required: true},
			{Name: "route_id", Ref: KindRoute},
			{Name: "origin_id"},
			{Name: "destination_id"},
			{Name: "contains_id"},
		},
		Key: []string{"fare_id", "route_id", "origin_id", "destination_id", "contains_id"},
	},

	KindTransfer: {
		Name: "transfers",
		Columns: []columnSchema{
			{Name: "from_stop_id", Ref: KindStop, Required: true},
			{Name: "to_stop_id", Ref: KindStop, Required: true},
			{Name: "transfer_type", Type: intType, Required: true},
			{Name: "min_transfer_time", Type: intType},
		},
		Key: []string{"from_stop_id", "to_stop_id"},
	},

	KindPathway: {
		Name: "pathways",
		Columns: []columnSchema{
			{Name: "pathway_id", Required: true},
			{Name: "from_stop_id", Ref: KindStop, Required: true},
			{Name: "to_stop_id", Ref: KindStop, Required: true},
			{Name: "pathway_mode", Type: intType, Required: true},
			{Name: "is_bidirectional", Type: boolType, Required: true},
			{Name: "length", Type: floatType},
			{Name: "traversal_time", Type: intType},
			{Name: "stair_count", Type: intType},
			{Name: "signposted_as"},
		},
		Key: []string{"pathway_id"},
	},

	// One row per project, so the key is empty and every row collides with the first.
	KindFeedInfo: {
		Name: "feed_info",
		Columns: []columnSchema{
			{Name: "feed_publisher_name", Required: true},
			{Name: "feed_publisher_url", Required: true},
			{Name: "feed_lang", Required: true},
			{Name: "feed_start_date", Type: dateType},
			{Name: "feed_end_date", Type: dateType},
			{Name: "feed_version"},
			{Name: "feed_id"},
			{Name: "feed_contact_email"},
			{Name: "feed_contact_url"},
		},
		Mandatory: true,
	},
}

// exportOrder is the order files are written to an assembled feed.
var exportOrder = []Kind{
	KindAgency, KindStop, KindRoute, KindTrip, KindStopTime, KindCalendar, KindCalendarDate,
	KindFareAttribute, KindFareRule, KindFrequency, KindTransfer, KindPathway, KindLevel,
	KindFeedInfo, KindShape,
}

// importOrder lists kinds so every referenced kind precedes the kinds referencing it.
var importOrder = []Kind{
	KindAgency, KindLevel, KindStop, KindRoute, KindShape, KindCalendar, KindCalendarDate,
	KindTrip, KindStopTime, KindFrequency, KindFareAttribute, KindFareRule, KindTransfer,
	KindPathway, KindFeedInfo,
}

func init() {
	for kind, schema := range gtfsSchema {
		schema.Kind = kind
		if schema.Order == nil {
			schema.Order = schema.Key
		}
		for _, col := range append(append([]string{}, schema.Key...), schema.Order...) {
			if schema.columnIndex(col) == -1 {
				panic(fmt.Sprintf("%s: key column %s is not a column", schema.Name, col))
			}
		}
	}
}

// Kinds returns every kind in import order.
func Kinds() []Kind {
	return append([]Kind(nil), importOrder...)
}

// KindByName looks up a kind by its file name, with or without the .txt extension.
func KindByName(name string) (Kind, bool) {
	name = trimTxt(name)
	for kind, schema := range gtfsSchema {
		if schema.Name == name {
			return kind, true
		}
	}
	return 0, false
}

func (k Kind) schema() *fileSchema {
	schema, ok := gtfsSchema[k]
	if !ok {
		panic(fmt.Sprintf("unknown kind %d", int(k)))
	}
	return schema
}

// String returns the kind's file name without extension.
func (k Kind) String() string {
	if schema, ok := gtfsSchema[k]; ok {
		return schema.Name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// FileName returns the name of the kind's file inside a feed.
func (k Kind) FileName() string {
	return k.String() + ".txt"
}

// Columns returns the header of the kind's file, in file order.
func (k Kind) Columns() []string {
	schema := k.schema()
	out := make([]string, len(schema.Columns))
	for i, col := range schema.Columns {
		out[i] = col.Name
	}
	return out
}

// KeyColumns returns the columns identifying a row of this kind within its project.
func (k Kind) KeyColumns() []string {
	return append([]string(nil), k.schema().Key...)
}

// Mandatory reports whether a complete feed is expected to contain this kind's file.
func (k Kind) Mandatory() bool {
	return k.schema().Mandatory
}

func (s *fileSchema) columnIndex(name string) int {
	for i, col := range s.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

func (s *fileSchema) keyIndexes() []int {
	return s.indexes(s.Key)
}

func (s *fileSchema) indexes(names []string) []int {
	out := make([]int, len(names))
	for i, name := range names {
		out[i] = s.columnIndex(name)
	}
	return out
}

// refKinds returns the distinct kinds referenced by the schema's columns.
func (s *fileSchema) refKinds() []Kind {
	var out []Kind
	seen := make(map[Kind]bool)
	for _, col := range s.Columns {
		if col.Ref != 0 && !seen[col.Ref] {
			seen[col.Ref] = true
			out = append(out, col.Ref)
		}
	}
	return out
}
