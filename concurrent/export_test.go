package concurrent

var ClassFor = classFor
var ClassSize = classSize
