// Package lightodm is a thin document-mapping layer over the MongoDB
// driver: typed document structs with extra-field preservation, random
// and composite-key identity generation, a process-wide connection
// manager, and a per-type CRUD surface where every operation comes in a
// blocking variant and a context-aware variant.
//
// A document type embeds Model and is bound to a collection through a
// Base:
//
//	type User struct {
//	    lightodm.Model `bson:",inline"`
//	    Name  string `bson:"name"`
//	    Email string `bson:"email"`
//	}
//
//	users, err := lightodm.NewBase[*User](lightodm.Settings{Collection: "users"})
//
// Connection settings resolve from explicit Configure arguments first and
// the MONGO_URL, MONGO_USER, MONGO_PASSWORD and MONGO_DB_NAME environment
// variables second. Filters, update documents and aggregation pipelines
// use raw MongoDB syntax throughout; this layer adds no query builder and
// passes backend errors through untouched.
package lightodm
